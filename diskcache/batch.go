// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package diskcache

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/NVIDIA/cstruct"
	"github.com/NVIDIA/sortedmap"
	"github.com/creachadair/cityhash"

	"github.com/NVIDIA/crawlstate/blunder"
)

const (
	batchHeaderMagic   = uint64(0x4843544142435243) // "CRCBATCH" in LittleEndian
	batchHeaderVersion = uint32(1)
)

// A batch file is a batchHeaderStruct followed by NumRecords records, each a
// batchRecordHeaderStruct followed by the packed key and packed value.
type batchHeaderStruct struct {
	Magic         uint64
	Version       uint32
	Cycle         uint64
	NumRecords    uint64
	PayloadLength uint64
	PayloadHash   uint64 // cityhash.Hash64() of the payload following the header
}

type batchRecordHeaderStruct struct {
	KeyLength   uint32
	ValueLength uint32
}

var (
	batchHeaderSize       uint64
	batchRecordHeaderSize uint64
)

func init() {
	var err error

	batchHeaderSize, _, err = cstruct.Examine(batchHeaderStruct{})
	if nil != err {
		panic(err)
	}
	batchRecordHeaderSize, _, err = cstruct.Examine(batchRecordHeaderStruct{})
	if nil != err {
		panic(err)
	}
}

func batchFileName(cycle uint64) string {
	return fmt.Sprintf("batch#%d", cycle)
}

// packBatch serializes the write buffer. Alongside the file contents it returns
// the string(packedKey) => value mapping that becomes the last loaded batch.
func (diskCache *DiskCache) packBatch(cycle uint64) (batchBuf []byte, batch map[string]sortedmap.Value, err error) {
	var (
		batchHeaderBuf  []byte
		key             sortedmap.Key
		numRecords      int
		ok              bool
		packedKey       []byte
		packedValue     []byte
		payload         []byte
		recordHeaderBuf []byte
		recordIndex     int
		value           sortedmap.Value
	)

	numRecords, err = diskCache.buffer.Len()
	if nil != err {
		return
	}

	batch = make(map[string]sortedmap.Value, numRecords)
	payload = make([]byte, 0, uint64(numRecords)*batchRecordHeaderSize)

	for recordIndex = 0; recordIndex < numRecords; recordIndex++ {
		key, value, ok, err = diskCache.buffer.GetByIndex(recordIndex)
		if nil != err {
			return
		}
		if !ok {
			err = fmt.Errorf("write buffer lost record %d of %d", recordIndex, numRecords)
			return
		}

		packedKey, err = diskCache.callbacks.PackKey(key)
		if nil != err {
			err = blunder.AddError(err, blunder.PackError)
			return
		}
		packedValue, err = diskCache.callbacks.PackValue(value)
		if nil != err {
			err = blunder.AddError(err, blunder.PackError)
			return
		}

		recordHeaderBuf, err = cstruct.Pack(batchRecordHeaderStruct{KeyLength: uint32(len(packedKey)), ValueLength: uint32(len(packedValue))}, cstruct.LittleEndian)
		if nil != err {
			err = blunder.AddError(err, blunder.PackError)
			return
		}

		payload = append(payload, recordHeaderBuf...)
		payload = append(payload, packedKey...)
		payload = append(payload, packedValue...)

		batch[string(packedKey)] = value
	}

	batchHeaderBuf, err = cstruct.Pack(batchHeaderStruct{
		Magic:         batchHeaderMagic,
		Version:       batchHeaderVersion,
		Cycle:         cycle,
		NumRecords:    uint64(numRecords),
		PayloadLength: uint64(len(payload)),
		PayloadHash:   cityhash.Hash64(payload),
	}, cstruct.LittleEndian)
	if nil != err {
		err = blunder.AddError(err, blunder.PackError)
		return
	}

	batchBuf = append(batchHeaderBuf, payload...)

	err = nil
	return
}

// writeBatch makes batchBuf appear atomically as the batch file for cycle
func writeBatch(dirPath string, cycle uint64, batchBuf []byte) (err error) {
	var (
		batchFile    *os.File
		batchPath    = filepath.Join(dirPath, batchFileName(cycle))
		tempFilePath = batchPath + ".tmp"
	)

	batchFile, err = os.OpenFile(tempFilePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
		return
	}

	_, err = batchFile.Write(batchBuf)
	if nil == err {
		err = batchFile.Sync()
	}
	if nil != err {
		_ = batchFile.Close()
		_ = os.Remove(tempFilePath)
		err = blunder.AddError(err, blunder.IOError)
		return
	}

	err = batchFile.Close()
	if nil != err {
		_ = os.Remove(tempFilePath)
		err = blunder.AddError(err, blunder.IOError)
		return
	}

	err = os.Rename(tempFilePath, batchPath)
	if nil != err {
		_ = os.Remove(tempFilePath)
		err = blunder.AddError(err, blunder.IOError)
	}

	return
}

// loadBatch reads and verifies the batch file for cycle. A missing file is
// reported via os.IsNotExist(err) on the returned (unwrapped) error.
func loadBatch(dirPath string, cycle uint64, callbacks Callbacks) (batch map[string]sortedmap.Value, err error) {
	var (
		batchBuf     []byte
		batchHeader  batchHeaderStruct
		batchPath    = filepath.Join(dirPath, batchFileName(cycle))
		bytesUsed    uint64
		offset       uint64
		payload      []byte
		recordHeader batchRecordHeaderStruct
		recordIndex  uint64
		value        sortedmap.Value
	)

	batchBuf, err = ioutil.ReadFile(batchPath)
	if nil != err {
		if !os.IsNotExist(err) {
			err = blunder.AddError(err, blunder.IOError)
		}
		return
	}

	if uint64(len(batchBuf)) < batchHeaderSize {
		err = blunder.NewError(blunder.CorruptBatchError, "batch %s truncated to %d bytes", batchPath, len(batchBuf))
		return
	}

	bytesUsed, err = cstruct.Unpack(batchBuf[:batchHeaderSize], &batchHeader, cstruct.LittleEndian)
	if nil != err {
		err = blunder.AddError(err, blunder.CorruptBatchError)
		return
	}

	payload = batchBuf[bytesUsed:]

	if (batchHeaderMagic != batchHeader.Magic) || (batchHeaderVersion != batchHeader.Version) {
		err = blunder.NewError(blunder.CorruptBatchError, "batch %s has bad magic 0x%016X or version %d", batchPath, batchHeader.Magic, batchHeader.Version)
		return
	}
	if cycle != batchHeader.Cycle {
		err = blunder.NewError(blunder.CorruptBatchError, "batch %s claims cycle %d", batchPath, batchHeader.Cycle)
		return
	}
	if uint64(len(payload)) != batchHeader.PayloadLength {
		err = blunder.NewError(blunder.CorruptBatchError, "batch %s payload is %d bytes (expected %d)", batchPath, len(payload), batchHeader.PayloadLength)
		return
	}
	if cityhash.Hash64(payload) != batchHeader.PayloadHash {
		err = blunder.NewError(blunder.CorruptBatchError, "batch %s payload hash mismatch", batchPath)
		return
	}

	batch = make(map[string]sortedmap.Value, batchHeader.NumRecords)

	for recordIndex = 0; recordIndex < batchHeader.NumRecords; recordIndex++ {
		if (offset + batchRecordHeaderSize) > uint64(len(payload)) {
			err = blunder.NewError(blunder.CorruptBatchError, "batch %s record %d header overruns payload", batchPath, recordIndex)
			return
		}

		_, err = cstruct.Unpack(payload[offset:offset+batchRecordHeaderSize], &recordHeader, cstruct.LittleEndian)
		if nil != err {
			err = blunder.AddError(err, blunder.CorruptBatchError)
			return
		}
		offset += batchRecordHeaderSize

		if (offset + uint64(recordHeader.KeyLength) + uint64(recordHeader.ValueLength)) > uint64(len(payload)) {
			err = blunder.NewError(blunder.CorruptBatchError, "batch %s record %d overruns payload", batchPath, recordIndex)
			return
		}

		packedKey := payload[offset : offset+uint64(recordHeader.KeyLength)]
		offset += uint64(recordHeader.KeyLength)

		value, err = callbacks.UnpackValue(payload[offset : offset+uint64(recordHeader.ValueLength)])
		if nil != err {
			err = blunder.AddError(err, blunder.UnpackError)
			return
		}
		offset += uint64(recordHeader.ValueLength)

		batch[string(packedKey)] = value
	}

	if offset != uint64(len(payload)) {
		err = blunder.NewError(blunder.CorruptBatchError, "batch %s has %d trailing bytes", batchPath, uint64(len(payload))-offset)
		return
	}

	err = nil
	return
}
