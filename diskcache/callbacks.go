// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package diskcache

import (
	"fmt"
	"math"

	"github.com/NVIDIA/cstruct"
	"github.com/NVIDIA/sortedmap"

	"github.com/NVIDIA/crawlstate/blunder"
)

// ScalarCallbacks packs keys and values of type bool, int, int64, uint32, uint64,
// float64, string, []byte, or nil. Each is stored as a one byte type tag
// followed by its cstruct encoding, so an int comes back as an int.
type ScalarCallbacks struct{}

const (
	scalarTagNil uint8 = iota
	scalarTagBool
	scalarTagInt
	scalarTagInt64
	scalarTagUint32
	scalarTagUint64
	scalarTagFloat64
	scalarTagString
	scalarTagBytes
)

type scalarBoolStruct struct {
	Tag   uint8
	Value bool
}

type scalarInt64Struct struct {
	Tag   uint8
	Value int64
}

type scalarUint32Struct struct {
	Tag   uint8
	Value uint32
}

type scalarUint64Struct struct {
	Tag   uint8
	Value uint64
}

type scalarBytesStruct struct {
	Tag   uint8
	Value []byte
}

func packScalar(scalar interface{}) (packed []byte, err error) {
	switch s := scalar.(type) {
	case nil:
		packed = []byte{scalarTagNil}
	case bool:
		packed, err = cstruct.Pack(scalarBoolStruct{Tag: scalarTagBool, Value: s}, cstruct.LittleEndian)
	case int:
		packed, err = cstruct.Pack(scalarInt64Struct{Tag: scalarTagInt, Value: int64(s)}, cstruct.LittleEndian)
	case int64:
		packed, err = cstruct.Pack(scalarInt64Struct{Tag: scalarTagInt64, Value: s}, cstruct.LittleEndian)
	case uint32:
		packed, err = cstruct.Pack(scalarUint32Struct{Tag: scalarTagUint32, Value: s}, cstruct.LittleEndian)
	case uint64:
		packed, err = cstruct.Pack(scalarUint64Struct{Tag: scalarTagUint64, Value: s}, cstruct.LittleEndian)
	case float64:
		packed, err = cstruct.Pack(scalarUint64Struct{Tag: scalarTagFloat64, Value: math.Float64bits(s)}, cstruct.LittleEndian)
	case string:
		packed, err = cstruct.Pack(scalarBytesStruct{Tag: scalarTagString, Value: []byte(s)}, cstruct.LittleEndian)
	case []byte:
		packed, err = cstruct.Pack(scalarBytesStruct{Tag: scalarTagBytes, Value: s}, cstruct.LittleEndian)
	default:
		err = blunder.NewError(blunder.PackError, "ScalarCallbacks cannot pack %T", scalar)
	}

	return
}

func unpackScalar(packed []byte) (scalar interface{}, err error) {
	if 0 == len(packed) {
		err = blunder.NewError(blunder.UnpackError, "ScalarCallbacks cannot unpack an empty buffer")
		return
	}

	switch packed[0] {
	case scalarTagNil:
		if 1 != len(packed) {
			err = fmt.Errorf("nil scalar has %d trailing bytes", len(packed)-1)
		}
	case scalarTagBool:
		s := scalarBoolStruct{}
		err = unpackExactly(packed, &s)
		scalar = s.Value
	case scalarTagInt:
		s := scalarInt64Struct{}
		err = unpackExactly(packed, &s)
		scalar = int(s.Value)
	case scalarTagInt64:
		s := scalarInt64Struct{}
		err = unpackExactly(packed, &s)
		scalar = s.Value
	case scalarTagUint32:
		s := scalarUint32Struct{}
		err = unpackExactly(packed, &s)
		scalar = s.Value
	case scalarTagUint64:
		s := scalarUint64Struct{}
		err = unpackExactly(packed, &s)
		scalar = s.Value
	case scalarTagFloat64:
		s := scalarUint64Struct{}
		err = unpackExactly(packed, &s)
		scalar = math.Float64frombits(s.Value)
	case scalarTagString:
		s := scalarBytesStruct{}
		err = unpackExactly(packed, &s)
		scalar = string(s.Value)
	case scalarTagBytes:
		s := scalarBytesStruct{}
		err = unpackExactly(packed, &s)
		value := make([]byte, len(s.Value))
		copy(value, s.Value)
		scalar = value
	default:
		err = fmt.Errorf("unknown scalar tag %d", packed[0])
	}

	if nil != err {
		scalar = nil
		err = blunder.AddError(err, blunder.UnpackError)
	}

	return
}

func unpackExactly(packed []byte, s interface{}) (err error) {
	bytesConsumed, err := cstruct.Unpack(packed, s, cstruct.LittleEndian)
	if nil != err {
		return
	}
	if bytesConsumed != uint64(len(packed)) {
		err = fmt.Errorf("scalar has %d trailing bytes", uint64(len(packed))-bytesConsumed)
	}
	return
}

func (callbacks ScalarCallbacks) DumpKey(key sortedmap.Key) (keyAsString string, err error) {
	keyAsString = fmt.Sprintf("%v", key)
	err = nil
	return
}

func (callbacks ScalarCallbacks) DumpValue(value sortedmap.Value) (valueAsString string, err error) {
	valueAsString = fmt.Sprintf("%v", value)
	err = nil
	return
}

func (callbacks ScalarCallbacks) PackKey(key sortedmap.Key) (packedKey []byte, err error) {
	packedKey, err = packScalar(key)
	return
}

func (callbacks ScalarCallbacks) PackValue(value sortedmap.Value) (packedValue []byte, err error) {
	packedValue, err = packScalar(value)
	return
}

func (callbacks ScalarCallbacks) UnpackValue(packedValue []byte) (value sortedmap.Value, err error) {
	value, err = unpackScalar(packedValue)
	return
}
