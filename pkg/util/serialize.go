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

package util

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"os"
)

type Serialize interface {
	WriteData(buffer []byte, len int) error
	Close() error
}

type Deserialize interface {
	ReadData(buffer []byte, len int) error
	Close() error
}

// Write encodes a fixed-size value in little endian.
func Write[T any](value T, serial Serialize) error {
	var buf [16]byte
	w := bytes.NewBuffer(buf[:0])
	err := binary.Write(w, binary.LittleEndian, value)
	if err != nil {
		return err
	}
	return serial.WriteData(w.Bytes(), w.Len())
}

func Read[T any](value *T, deserial Deserialize) error {
	cnt := binary.Size(value)
	buf := make([]byte, cnt)
	err := deserial.ReadData(buf, cnt)
	if err != nil {
		return err
	}
	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, value)
}

func WriteString(s string, serial Serialize) error {
	err := Write[uint32](uint32(len(s)), serial)
	if err != nil {
		return err
	}
	if len(s) > 0 {
		return serial.WriteData(UnsafeStringToBytes(s), len(s))
	}
	return nil
}

func ReadString(deserial Deserialize) (string, error) {
	var l uint32
	err := Read[uint32](&l, deserial)
	if err != nil {
		return "", err
	}
	buf := make([]byte, l)
	err = deserial.ReadData(buf, int(l))
	if err != nil {
		return "", err
	}
	return string(buf), err
}

func WriteBytes(data []byte, serial Serialize) error {
	err := Write[uint32](uint32(len(data)), serial)
	if err != nil {
		return err
	}
	if len(data) > 0 {
		return serial.WriteData(data, len(data))
	}
	return nil
}

func ReadBytes(deserial Deserialize) ([]byte, error) {
	var l uint32
	err := Read[uint32](&l, deserial)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, l)
	if l > 0 {
		err = deserial.ReadData(buf, int(l))
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

var _ Serialize = new(BufferSerialize)

// BufferSerialize collects bytes in memory. Spill frames are
// encoded here before compression.
type BufferSerialize struct {
	Buf bytes.Buffer
}

func (serial *BufferSerialize) WriteData(buffer []byte, len int) error {
	_, err := serial.Buf.Write(buffer[:len])
	return err
}

func (serial *BufferSerialize) Close() error {
	return nil
}

func (serial *BufferSerialize) Bytes() []byte {
	return serial.Buf.Bytes()
}

var _ Deserialize = new(BufferDeserialize)

type BufferDeserialize struct {
	reader *bytes.Reader
}

func NewBufferDeserialize(data []byte) *BufferDeserialize {
	return &BufferDeserialize{reader: bytes.NewReader(data)}
}

func (deserial *BufferDeserialize) ReadData(buffer []byte, len int) error {
	_, err := io.ReadFull(deserial.reader, buffer[:len])
	return err
}

func (deserial *BufferDeserialize) Close() error {
	return nil
}

var _ Serialize = new(FileSerialize)

type FileSerialize struct {
	file   *os.File
	writer *bufio.Writer
}

func NewFileSerialize(name string) (*FileSerialize, error) {
	var err error
	ret := &FileSerialize{}
	ret.file, err = os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	ret.writer = bufio.NewWriterSize(ret.file, 64*1024)
	return ret, nil
}

func (serial *FileSerialize) WriteData(buffer []byte, len int) error {
	_, err := serial.writer.Write(buffer[:len])
	return err
}

func (serial *FileSerialize) Flush() error {
	return serial.writer.Flush()
}

func (serial *FileSerialize) Close() error {
	err := serial.writer.Flush()
	if cerr := serial.file.Close(); err == nil {
		err = cerr
	}
	return err
}

var _ Deserialize = new(FileDeserialize)

type FileDeserialize struct {
	file   *os.File
	reader *bufio.Reader
}

func NewFileDeserialize(name string) (*FileDeserialize, error) {
	var err error
	ret := &FileDeserialize{}
	ret.file, err = os.Open(name)
	if err != nil {
		return nil, err
	}
	ret.reader = bufio.NewReaderSize(ret.file, 64*1024)
	return ret, nil
}

// ReadData returns io.EOF only when no byte of the request was read.
func (deserial *FileDeserialize) ReadData(buffer []byte, len int) error {
	_, err := io.ReadFull(deserial.reader, buffer[:len])
	return err
}

func (deserial *FileDeserialize) Close() error {
	return deserial.file.Close()
}
