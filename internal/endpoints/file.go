package endpoints

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/sekia-ai/relay/pkg/protocol"
)

// fileEndpoint writes one JSON file per envelope into a directory and reads
// <dir>/<data-type>.json for synchronization.
type fileEndpoint struct {
	dir string
}

func newFileEndpoint(u *url.URL) *fileEndpoint {
	dir := u.Path
	if dir == "" {
		dir = u.Opaque
	}
	return &fileEndpoint{dir: filepath.Clean(dir)}
}

func (f *fileEndpoint) Send(_ context.Context, env protocol.Envelope) (int64, error) {
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("marshal envelope: %w", err)
	}
	if err := os.MkdirAll(f.dir, 0o750); err != nil {
		return 0, fmt.Errorf("create %s: %w", f.dir, err)
	}
	name := env.ID + ".json"
	if env.DataType != "" {
		name = env.DataType + "-" + name
	}
	path := filepath.Join(f.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return 0, fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("rename %s: %w", path, err)
	}
	return int64(len(data)), nil
}

func (f *fileEndpoint) Fetch(_ context.Context, dataType string) (any, error) {
	path := filepath.Join(f.dir, filepath.Base(dataType)+".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return data, nil
}

func (f *fileEndpoint) Ping(context.Context) error {
	info, err := os.Stat(f.dir)
	if os.IsNotExist(err) {
		return os.MkdirAll(f.dir, 0o750)
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", f.dir)
	}
	return nil
}
