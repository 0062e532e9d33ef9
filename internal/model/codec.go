package model

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"rnastate/pkg/domain"
)

// weightsMagic identifies the weights encoding ("RNAW").
const (
	weightsMagic   uint32 = 0x57414e52
	weightsVersion uint32 = 1
)

// MarshalBinary encodes the layer stack as magic, version, layer count and
// per layer (in, out, weights, biases), little-endian.
func (a *Autoencoder) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(a.parameterCount()*8 + 16)
	w := func(v any) error { return binary.Write(&buf, binary.LittleEndian, v) }
	for _, v := range []uint32{weightsMagic, weightsVersion, uint32(len(a.layers))} {
		if err := w(v); err != nil {
			return nil, err
		}
	}
	for _, l := range a.layers {
		if err := w([]uint32{uint32(l.in), uint32(l.out)}); err != nil {
			return nil, err
		}
		if err := w(l.w); err != nil {
			return nil, err
		}
		if err := w(l.b); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (a *Autoencoder) parameterCount() int {
	n := 0
	for _, l := range a.layers {
		n += len(l.w) + len(l.b)
	}
	return n
}

// Decode rebuilds a model from its configuration and encoded weights. The
// layer shapes must match the configured architecture.
func Decode(cfg domain.ModelConfig, data []byte) (*Autoencoder, error) {
	cfg, err := NormalizeConfig(cfg)
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(data)
	var header [3]uint32
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("read weights header: %w", err)
	}
	if header[0] != weightsMagic {
		return nil, fmt.Errorf("invalid weights magic %#x", header[0])
	}
	if header[1] != weightsVersion {
		return nil, fmt.Errorf("unsupported weights version %d", header[1])
	}
	ws := widths(cfg)
	if int(header[2]) != len(ws)-1 {
		return nil, fmt.Errorf("weights hold %d layers, architecture needs %d", header[2], len(ws)-1)
	}
	net := &Autoencoder{cfg: cfg, encoderDepth: len(cfg.HiddenDims) + 1}
	for i := 0; i+1 < len(ws); i++ {
		var shape [2]uint32
		if err := binary.Read(r, binary.LittleEndian, &shape); err != nil {
			return nil, fmt.Errorf("read layer %d shape: %w", i, err)
		}
		if int(shape[0]) != ws[i] || int(shape[1]) != ws[i+1] {
			return nil, fmt.Errorf("layer %d is %dx%d, architecture needs %dx%d", i, shape[0], shape[1], ws[i], ws[i+1])
		}
		l := &dense{in: ws[i], out: ws[i+1], w: make([]float64, ws[i]*ws[i+1]), b: make([]float64, ws[i+1])}
		if err := binary.Read(r, binary.LittleEndian, l.w); err != nil {
			return nil, fmt.Errorf("read layer %d weights: %w", i, err)
		}
		if err := binary.Read(r, binary.LittleEndian, l.b); err != nil {
			return nil, fmt.Errorf("read layer %d biases: %w", i, err)
		}
		net.layers = append(net.layers, l)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("weights have %d trailing bytes", r.Len())
	}
	return net, nil
}
