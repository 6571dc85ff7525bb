package codec

import (
	"context"
	"fmt"
	"slices"

	"github.com/rs/zerolog"

	"github.com/sekia-ai/relay/pkg/adapter"
	"github.com/sekia-ai/relay/pkg/coordination"
)

// Config configures the format adapter.
type Config struct {
	ID      string
	Formats []string
	Options coordination.Options
	// Transform, when set, reshapes every decoded payload before conversion.
	Transform coordination.Transformer
}

// clientSource is the part of the adapter the hooks call back into.
type clientSource interface {
	Client(ctx context.Context, name string) (any, error)
}

// Hooks implements adapter.Hooks over the codecs in this package.
type Hooks struct {
	formats   []string
	clients   clientSource
	transform coordination.Transformer
}

// New creates a format adapter. Codecs are obtained through the adapter's
// client cache, one per format.
func New(cfg Config, logger zerolog.Logger) *adapter.Adapter {
	formats := cfg.Formats
	if len(formats) == 0 {
		formats = Formats
	}
	id := cfg.ID
	if id == "" {
		id = "codec"
	}
	h := &Hooks{formats: slices.Clone(formats), transform: cfg.Transform}
	a := adapter.New(coordination.Identity{
		ID:           id,
		Name:         "Format Adapter",
		Version:      "1.0.0",
		Capabilities: h.formats,
	}, cfg.Options, h, logger)
	h.clients = a
	return a
}

// CreateServiceClient returns the codec for a format.
func (h *Hooks) CreateServiceClient(_ context.Context, name string) (any, error) {
	return ForFormat(name)
}

// CheckCompatibility reports whether both formats are handled.
func (h *Hooks) CheckCompatibility(source, target string) bool {
	return slices.Contains(h.formats, source) && slices.Contains(h.formats, target)
}

// Adapt converts payload from source to target. String and byte payloads
// are decoded with the source codec; adapter.Decoded and any other value
// are taken as already decoded. The result is the encoded target document
// as a string.
func (h *Hooks) Adapt(ctx context.Context, payload any, source, target string) (any, error) {
	value, err := h.Decode(ctx, payload, source)
	if err != nil {
		return nil, err
	}
	enc, err := h.codec(ctx, target)
	if err != nil {
		return nil, err
	}
	out, err := enc.Encode(value)
	if err != nil {
		return nil, err
	}
	return string(out), nil
}

// Decode parses string and byte payloads with the source codec, so the
// transform sees structured data. Other values are returned unchanged.
func (h *Hooks) Decode(ctx context.Context, payload any, source string) (any, error) {
	var raw []byte
	switch p := payload.(type) {
	case adapter.Decoded:
		return p.Value, nil
	case string:
		raw = []byte(p)
	case []byte:
		raw = p
	default:
		return payload, nil
	}
	dec, err := h.codec(ctx, source)
	if err != nil {
		return nil, err
	}
	v, err := dec.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", coordination.ErrValidation, err)
	}
	return v, nil
}

func (h *Hooks) codec(ctx context.Context, format string) (Codec, error) {
	c, err := h.clients.Client(ctx, format)
	if err != nil {
		return nil, err
	}
	return c.(Codec), nil
}

// TransformData applies the configured transform, if any.
func (h *Hooks) TransformData(ctx context.Context, data any) (any, error) {
	if h.transform == nil {
		return data, nil
	}
	return h.transform.TransformData(ctx, data)
}
