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
	"cmp"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	treemap "github.com/liyue201/gostl/ds/map"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Stars1233/datafusion/pkg/chunk"
	"github.com/Stars1233/datafusion/pkg/common"
	"github.com/Stars1233/datafusion/pkg/util"
)

// frame header: payload length | checksum | codec
const frameHeaderSize = 4 + 8 + 1

type SpillMetrics struct {
	SpilledFiles atomic.Int64
	SpilledRows  atomic.Int64
	SpilledBytes atomic.Int64
}

// SpillManager owns a private temp directory. Every SpillFile it
// creates stays registered until closed; Close removes the rest.
type SpillManager struct {
	_tempDir   string
	_tempId    atomic.Uint64
	_codec     SpillCodec
	_readAhead int
	_frames    *frameCodec

	_lock   sync.Mutex
	_files  *treemap.Map[uint64, *SpillFile]
	_closed bool

	Metrics SpillMetrics
}

func NewSpillManager(tempDir string, codecName string, readAhead int) (*SpillManager, error) {
	codec, err := ParseSpillCodec(codecName)
	if err != nil {
		return nil, err
	}
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	err = os.MkdirAll(tempDir, 0755)
	if err != nil {
		return nil, common.IOError("SpillManager", tempDir, err)
	}
	dir, err := os.MkdirTemp(tempDir, "spill-")
	if err != nil {
		return nil, common.IOError("SpillManager", tempDir, err)
	}
	frames, err := newFrameCodec()
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	return &SpillManager{
		_tempDir:   dir,
		_codec:     codec,
		_readAhead: max(readAhead, 1),
		_frames:    frames,
		_files:     treemap.New[uint64, *SpillFile](cmp.Compare[uint64]),
	}, nil
}

func NewSpillManagerFromConfig(cfg *util.Config) (*SpillManager, error) {
	return NewSpillManager(cfg.Exec.TempDir, cfg.Exec.SpillCompression, cfg.Exec.SpillReadAhead)
}

func (mgr *SpillManager) TempDir() string {
	return mgr._tempDir
}

func (mgr *SpillManager) Codec() SpillCodec {
	return mgr._codec
}

// Outstanding counts spill files not yet closed.
func (mgr *SpillManager) Outstanding() int {
	mgr._lock.Lock()
	defer mgr._lock.Unlock()
	return mgr._files.Size()
}

func (mgr *SpillManager) register(file *SpillFile) error {
	mgr._lock.Lock()
	defer mgr._lock.Unlock()
	if mgr._closed {
		return common.IOError(file.Owner, file.Path, errors.New("spill manager closed"))
	}
	mgr._files.Insert(file.Id, file)
	return nil
}

func (mgr *SpillManager) unregister(file *SpillFile) {
	mgr._lock.Lock()
	defer mgr._lock.Unlock()
	mgr._files.Erase(file.Id)
}

// CreateWriter opens a new spill file for owner.
func (mgr *SpillManager) CreateWriter(owner string) (*SpillWriter, error) {
	id := mgr._tempId.Add(1)
	file := &SpillFile{
		_mgr:  mgr,
		Id:    id,
		Owner: owner,
		Path:  filepath.Join(mgr._tempDir, fmt.Sprintf("%06d.spill", id)),
	}
	err := util.InjectFault(util.FAULTS_SCOPE_SPILL, util.FaultSpillCreate)
	if err != nil {
		return nil, common.IOError(owner, file.Path, err)
	}
	err = mgr.register(file)
	if err != nil {
		return nil, err
	}
	serial, err := util.NewFileSerialize(file.Path)
	if err != nil {
		mgr.unregister(file)
		return nil, common.IOError(owner, file.Path, err)
	}
	return &SpillWriter{
		_mgr:    mgr,
		_file:   file,
		_serial: serial,
	}, nil
}

// SpillChunks writes chunks into one spill file.
func (mgr *SpillManager) SpillChunks(owner string, chunks []*chunk.Chunk) (*SpillFile, error) {
	writer, err := mgr.CreateWriter(owner)
	if err != nil {
		return nil, err
	}
	for _, c := range chunks {
		err = writer.Append(c)
		if err != nil {
			writer.Abort()
			return nil, err
		}
	}
	return writer.Finish()
}

// Read replays the frames of file lazily. At most the read-ahead
// number of decoded chunks are buffered.
func (mgr *SpillManager) Read(ctx context.Context, file *SpillFile) (*SpillReader, error) {
	if file.Closed() {
		return nil, common.IOError(file.Owner, file.Path, os.ErrClosed)
	}
	deserial, err := util.NewFileDeserialize(file.Path)
	if err != nil {
		return nil, common.IOError(file.Owner, file.Path, err)
	}
	rctx, cancel := context.WithCancel(ctx)
	reader := &SpillReader{
		_file:   file,
		_ch:     make(chan spillRead, mgr._readAhead),
		_cancel: cancel,
		_done:   make(chan struct{}),
	}
	go reader.run(rctx, mgr._frames, deserial)
	return reader, nil
}

// Close deletes every outstanding spill file and the temp directory.
func (mgr *SpillManager) Close() error {
	mgr._lock.Lock()
	if mgr._closed {
		mgr._lock.Unlock()
		return nil
	}
	mgr._closed = true
	files := make([]*SpillFile, 0, mgr._files.Size())
	for iter := mgr._files.Begin(); iter.IsValid(); iter.Next() {
		files = append(files, iter.Value())
	}
	mgr._files.Clear()
	mgr._lock.Unlock()

	var err error
	for _, file := range files {
		util.Warn("spill file not closed by owner",
			zap.String("owner", file.Owner),
			zap.String("path", file.Path))
		err = multierr.Append(err, file.remove())
	}
	if rerr := os.RemoveAll(mgr._tempDir); rerr != nil {
		err = multierr.Append(err, common.IOError("SpillManager", mgr._tempDir, rerr))
	}
	mgr._frames.close()
	return err
}

type SpillWriter struct {
	_mgr     *SpillManager
	_file    *SpillFile
	_serial  *util.FileSerialize
	_payload util.BufferSerialize
	_header  [frameHeaderSize]byte
}

func (writer *SpillWriter) Path() string {
	return writer._file.Path
}

// Append writes c as one frame.
func (writer *SpillWriter) Append(c *chunk.Chunk) error {
	file := writer._file
	if c.Card() == 0 {
		return nil
	}
	writer._payload.Buf.Reset()
	err := c.Serialize(&writer._payload)
	if err != nil {
		return common.IOError(file.Owner, file.Path, err)
	}
	payload, err := writer._mgr._frames.encode(writer._mgr._codec, writer._payload.Bytes())
	if err != nil {
		return common.IOError(file.Owner, file.Path, err)
	}
	err = util.InjectFault(util.FAULTS_SCOPE_SPILL, util.FaultSpillWrite)
	if err != nil {
		return common.IOError(file.Owner, file.Path, err)
	}
	putFrameHeader(writer._header[:], uint32(len(payload)), util.Checksum(payload), writer._mgr._codec)
	err = writer._serial.WriteData(writer._header[:], frameHeaderSize)
	if err != nil {
		return common.IOError(file.Owner, file.Path, err)
	}
	err = writer._serial.WriteData(payload, len(payload))
	if err != nil {
		return common.IOError(file.Owner, file.Path, err)
	}
	file.Rows += int64(c.Card())
	file.Bytes += int64(frameHeaderSize + len(payload))
	file.Batches++
	return nil
}

// Finish flushes the file. The writer must not be used afterwards.
func (writer *SpillWriter) Finish() (*SpillFile, error) {
	file := writer._file
	err := writer._serial.Close()
	if err != nil {
		_ = file.Close()
		return nil, common.IOError(file.Owner, file.Path, err)
	}
	metrics := &writer._mgr.Metrics
	metrics.SpilledFiles.Add(1)
	metrics.SpilledRows.Add(file.Rows)
	metrics.SpilledBytes.Add(file.Bytes)
	util.Debug("spill file written",
		zap.String("owner", file.Owner),
		zap.String("path", file.Path),
		zap.Int64("rows", file.Rows),
		zap.Int64("bytes", file.Bytes))
	return file, nil
}

// Abort discards the partially written file.
func (writer *SpillWriter) Abort() {
	_ = writer._serial.Close()
	_ = writer._file.Close()
}

type SpillFile struct {
	_mgr    *SpillManager
	_closed atomic.Bool

	Id      uint64
	Owner   string
	Path    string
	Rows    int64
	Bytes   int64
	Batches int
}

func (file *SpillFile) Closed() bool {
	return file._closed.Load()
}

// Close deletes the file. Later calls are no-ops.
func (file *SpillFile) Close() error {
	if file._closed.Load() {
		return nil
	}
	file._mgr.unregister(file)
	return file.remove()
}

func (file *SpillFile) remove() error {
	if !file._closed.CompareAndSwap(false, true) {
		return nil
	}
	err := os.Remove(file.Path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return common.IOError(file.Owner, file.Path, err)
	}
	return nil
}

type spillRead struct {
	c   *chunk.Chunk
	err error
}

type SpillReader struct {
	_file   *SpillFile
	_ch     chan spillRead
	_cancel context.CancelFunc
	_done   chan struct{}
	_eof    bool
}

func (reader *SpillReader) run(ctx context.Context, frames *frameCodec, deserial *util.FileDeserialize) {
	defer close(reader._done)
	defer close(reader._ch)
	defer deserial.Close()
	file := reader._file
	send := func(res spillRead) bool {
		select {
		case reader._ch <- res:
			return true
		case <-ctx.Done():
			return false
		}
	}
	var header [frameHeaderSize]byte
	offset := int64(0)
	for {
		err := deserial.ReadData(header[:], frameHeaderSize)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			send(spillRead{err: common.IOError(file.Owner, file.Path, err)})
			return
		}
		err = util.InjectFault(util.FAULTS_SCOPE_SPILL, util.FaultSpillRead)
		if err != nil {
			send(spillRead{err: common.IOError(file.Owner, file.Path, err)})
			return
		}
		length, checksum, codec := getFrameHeader(header[:])
		offset += frameHeaderSize
		//the header is not covered by the checksum
		if int64(length) > file.Bytes-offset {
			send(spillRead{err: common.IOError(file.Owner, file.Path,
				fmt.Errorf("frame length %d exceeds the %d bytes left", length, file.Bytes-offset))})
			return
		}
		offset += int64(length)
		payload := make([]byte, length)
		err = deserial.ReadData(payload, int(length))
		if err != nil {
			send(spillRead{err: common.IOError(file.Owner, file.Path, fmt.Errorf("truncated frame: %w", err))})
			return
		}
		if util.Checksum(payload) != checksum {
			send(spillRead{err: common.IOError(file.Owner, file.Path, errors.New("frame checksum mismatch"))})
			return
		}
		raw, err := frames.decode(codec, payload)
		if err != nil {
			send(spillRead{err: common.IOError(file.Owner, file.Path, err)})
			return
		}
		c := &chunk.Chunk{}
		err = c.Deserialize(util.NewBufferDeserialize(raw))
		if err != nil {
			send(spillRead{err: common.IOError(file.Owner, file.Path, err)})
			return
		}
		if !send(spillRead{c: c}) {
			return
		}
	}
}

// Next returns the next chunk, or nil at the end of the file.
func (reader *SpillReader) Next(ctx context.Context) (*chunk.Chunk, error) {
	if reader._eof {
		return nil, nil
	}
	select {
	case res, ok := <-reader._ch:
		if !ok {
			reader._eof = true
			return nil, nil
		}
		if res.err != nil {
			reader._eof = true
			return nil, res.err
		}
		return res.c, nil
	case <-ctx.Done():
		return nil, common.Cancelled(reader._file.Owner, ctx.Err())
	}
}

// Close stops the read-ahead goroutine. The file itself stays.
func (reader *SpillReader) Close() {
	reader._cancel()
	<-reader._done
}

func putFrameHeader(buf []byte, length uint32, checksum uint64, codec SpillCodec) {
	binary.LittleEndian.PutUint32(buf[0:], length)
	binary.LittleEndian.PutUint64(buf[4:], checksum)
	buf[12] = byte(codec)
}

func getFrameHeader(buf []byte) (uint32, uint64, SpillCodec) {
	return binary.LittleEndian.Uint32(buf[0:]),
		binary.LittleEndian.Uint64(buf[4:]),
		SpillCodec(buf[12])
}
