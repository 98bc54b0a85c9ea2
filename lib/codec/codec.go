// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package codec serializes dense float32 vector tables to a compact binary
// form. The format is little-endian: a uint64 vector count, then for each
// vector a uint64 dimension followed by the raw float32 values.
//
// It is the on-disk representation shared by model parameters, dataset
// feature files, and embedding index tables.
package codec

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// SerializeFloatArrays writes a table of float32 vectors to w.
func SerializeFloatArrays(w io.Writer, data [][]float32) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(data))); err != nil {
		return fmt.Errorf("writing number of vectors: %w", err)
	}

	buf := make([]byte, 8)
	for i, vec := range data {
		binary.LittleEndian.PutUint64(buf, uint64(len(vec)))
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("writing dimension of vector %d: %w", i, err)
		}
		for _, v := range vec {
			binary.LittleEndian.PutUint32(buf[:4], math.Float32bits(v))
			if _, err := w.Write(buf[:4]); err != nil {
				return fmt.Errorf("writing data of vector %d: %w", i, err)
			}
		}
	}
	return nil
}

// DeserializeFloatArrays reads a table of float32 vectors written by
// SerializeFloatArrays. It never returns nil on success: an empty table
// deserializes to an empty (non-nil) slice.
func DeserializeFloatArrays(r io.Reader) ([][]float32, error) {
	var numVectors uint64
	if err := binary.Read(r, binary.LittleEndian, &numVectors); err != nil {
		return nil, fmt.Errorf("reading number of vectors: %w", err)
	}

	result := make([][]float32, 0, numVectors)
	for i := uint64(0); i < numVectors; i++ {
		var dim uint64
		if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
			return nil, fmt.Errorf("reading dimension of vector %d: %w", i, err)
		}
		vec := make([]float32, dim)
		if err := binary.Read(r, binary.LittleEndian, &vec); err != nil {
			return nil, fmt.Errorf("reading data of vector %d: %w", i, err)
		}
		result = append(result, vec)
	}
	return result, nil
}
