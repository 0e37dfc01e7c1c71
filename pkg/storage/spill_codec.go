// Copyright 2023-2024 daviszhen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"fmt"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/Stars1233/datafusion/pkg/util"
)

type SpillCodec uint8

const (
	CODEC_NONE   SpillCodec = 0
	CODEC_SNAPPY SpillCodec = 1
	CODEC_ZSTD   SpillCodec = 2
)

var codecToStr = map[SpillCodec]string{
	CODEC_NONE:   util.SpillCodecNone,
	CODEC_SNAPPY: util.SpillCodecSnappy,
	CODEC_ZSTD:   util.SpillCodecZstd,
}

func (codec SpillCodec) String() string {
	if s, has := codecToStr[codec]; has {
		return s
	}
	return fmt.Sprintf("codec(%d)", uint8(codec))
}

func ParseSpillCodec(name string) (SpillCodec, error) {
	switch name {
	case "", util.SpillCodecNone:
		return CODEC_NONE, nil
	case util.SpillCodecSnappy:
		return CODEC_SNAPPY, nil
	case util.SpillCodecZstd:
		return CODEC_ZSTD, nil
	default:
		return CODEC_NONE, fmt.Errorf("unknown spill codec %q", name)
	}
}

// frameCodec compresses frame payloads. The zstd encoder and decoder
// are shared; EncodeAll and DecodeAll are safe for concurrent use.
type frameCodec struct {
	_zstdEnc *zstd.Encoder
	_zstdDec *zstd.Decoder
}

func newFrameCodec() (*frameCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, err
	}
	return &frameCodec{
		_zstdEnc: enc,
		_zstdDec: dec,
	}, nil
}

func (fc *frameCodec) encode(codec SpillCodec, payload []byte) ([]byte, error) {
	switch codec {
	case CODEC_NONE:
		return payload, nil
	case CODEC_SNAPPY:
		return snappy.Encode(nil, payload), nil
	case CODEC_ZSTD:
		return fc._zstdEnc.EncodeAll(payload, nil), nil
	default:
		return nil, fmt.Errorf("unknown spill codec %d", codec)
	}
}

func (fc *frameCodec) decode(codec SpillCodec, payload []byte) ([]byte, error) {
	switch codec {
	case CODEC_NONE:
		return payload, nil
	case CODEC_SNAPPY:
		return snappy.Decode(nil, payload)
	case CODEC_ZSTD:
		return fc._zstdDec.DecodeAll(payload, nil)
	default:
		return nil, fmt.Errorf("unknown spill codec %d", codec)
	}
}

func (fc *frameCodec) close() {
	_ = fc._zstdEnc.Close()
	fc._zstdDec.Close()
}
