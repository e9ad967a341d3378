// Copyright 2025 Harald Albrecht.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package gobmsg encodes and decodes individual, self-contained gob messages.

The usual gob streams transmit type information only once per stream, so
their messages cannot be decoded independently of each other. As the control
socket of a spawner is shared between the spawner itself and its freshly
launched workers, every message must be decodable on its own: the Encoder and
Decoder thus start a new gob stream for every single message.
*/
package gobmsg

import (
	"bytes"
	"encoding/gob"
)

// blocksize is the maximum size of a single message; it also is the size of
// the receive buffer.
const blocksize = 64 * 1024

// Encoder provides a gob encoder encoding into a byte slice.
type Encoder struct {
	buff bytes.Buffer
}

// NewEncoder returns a new encoder that maintains an internal buffer to encode
// into.
func NewEncoder() *Encoder {
	enc := &Encoder{}
	enc.buff.Grow(blocksize)
	return enc
}

// Encode the passed value in self-contained gob form and return its binary
// representation as a byte slice. The returned slice becomes invalid at the
// next call to Encode.
func (e *Encoder) Encode(v any) ([]byte, error) {
	e.buff.Reset()
	if err := gob.NewEncoder(&e.buff).Encode(v); err != nil {
		return nil, err
	}
	if e.buff.Len() > blocksize {
		return nil, ErrTooLarge
	}
	return e.buff.Bytes(), nil
}

// Decoder provides a gob decoder decoding from a byte slice.
type Decoder struct {
	buff []byte
	r    *bytes.Reader
}

// NewDecoder returns a new decoder that maintains an internal buffer to receive
// encoded data into, and to decode from.
func NewDecoder() *Decoder {
	buff := make([]byte, blocksize)
	return &Decoder{
		buff: buff,
		r:    bytes.NewReader(buff),
	}
}

// Buffer returns a buffer slice to be used for receiving data.
func (d *Decoder) Buffer() []byte {
	return d.buff
}

// Decode returns the decoded value currently stored in the first n bytes of the
// decoder's buffer. First, read a gob message into the slice provided by
// [Decoder.Buffer], also determining the amount of data read. Then call
// [Decoder.Decode] with this amount of data read to decode the value.
func (d *Decoder) Decode(n int, v any) error {
	d.r.Reset(d.buff[:n])
	return gob.NewDecoder(d.r).Decode(v)
}
