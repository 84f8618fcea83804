package kbnet

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/x448/float16"
)

// checkpointMagic identifies the parameter container format
const checkpointMagic uint32 = 0x4b424e31

// checkpointVersion is the current container version
const checkpointVersion uint16 = 1

// SaveCheckpoint writes the parameters to w as named float16 payloads.
// Parameter order does not matter on load, records are matched by name.
func SaveCheckpoint(w io.Writer, params []Parameter) error {

	bw := bufio.NewWriter(w)

	if err := binary.Write(bw, binary.LittleEndian, checkpointMagic); err != nil {
		return fmt.Errorf("writing checkpoint header: %w", err)
	}

	if err := binary.Write(bw, binary.LittleEndian, checkpointVersion); err != nil {
		return fmt.Errorf("writing checkpoint header: %w", err)
	}

	if err := binary.Write(bw, binary.LittleEndian, uint32(len(params))); err != nil {
		return fmt.Errorf("writing checkpoint header: %w", err)
	}

	for _, p := range params {
		name := []byte(p.Name)

		if len(name) > 0xffff {
			return fmt.Errorf("parameter name too long: %s", p.Name)
		}

		if err := binary.Write(bw, binary.LittleEndian, uint16(len(name))); err != nil {
			return fmt.Errorf("writing parameter %s: %w", p.Name, err)
		}

		if _, err := bw.Write(name); err != nil {
			return fmt.Errorf("writing parameter %s: %w", p.Name, err)
		}

		if err := binary.Write(bw, binary.LittleEndian, uint32(len(p.Data))); err != nil {
			return fmt.Errorf("writing parameter %s: %w", p.Name, err)
		}

		for _, v := range p.Data {
			bits := float16.Fromfloat32(v).Bits()

			if err := binary.Write(bw, binary.LittleEndian, bits); err != nil {
				return fmt.Errorf("writing parameter %s: %w", p.Name, err)
			}
		}
	}

	return bw.Flush()
}

// LoadCheckpoint reads named float16 payloads from r into the matching
// parameters.  Every parameter must be present in the container with
// the exact data length, extra records are an error.
func LoadCheckpoint(r io.Reader, params []Parameter) error {

	br := bufio.NewReader(r)

	var magic uint32

	if err := binary.Read(br, binary.LittleEndian, &magic); err != nil {
		return fmt.Errorf("reading checkpoint header: %w", err)
	}

	if magic != checkpointMagic {
		return fmt.Errorf("not a checkpoint file, bad magic 0x%08x", magic)
	}

	var version uint16

	if err := binary.Read(br, binary.LittleEndian, &version); err != nil {
		return fmt.Errorf("reading checkpoint header: %w", err)
	}

	if version != checkpointVersion {
		return fmt.Errorf("unsupported checkpoint version %d", version)
	}

	var count uint32

	if err := binary.Read(br, binary.LittleEndian, &count); err != nil {
		return fmt.Errorf("reading checkpoint header: %w", err)
	}

	byName := make(map[string]Parameter, len(params))

	for _, p := range params {
		byName[p.Name] = p
	}

	loaded := make(map[string]bool, len(params))

	for i := uint32(0); i < count; i++ {
		var nameLen uint16

		if err := binary.Read(br, binary.LittleEndian, &nameLen); err != nil {
			return fmt.Errorf("reading parameter record %d: %w", i, err)
		}

		name := make([]byte, nameLen)

		if _, err := io.ReadFull(br, name); err != nil {
			return fmt.Errorf("reading parameter record %d: %w", i, err)
		}

		var dataLen uint32

		if err := binary.Read(br, binary.LittleEndian, &dataLen); err != nil {
			return fmt.Errorf("reading parameter %s: %w", name, err)
		}

		p, ok := byName[string(name)]

		if !ok {
			return fmt.Errorf("checkpoint contains unknown parameter %s", name)
		}

		if loaded[p.Name] {
			return fmt.Errorf("checkpoint contains duplicate parameter %s", name)
		}

		if int(dataLen) != len(p.Data) {
			return fmt.Errorf("parameter %s has %d values, expected %d",
				name, dataLen, len(p.Data))
		}

		buf := make([]byte, 2*int(dataLen))

		if _, err := io.ReadFull(br, buf); err != nil {
			return fmt.Errorf("reading parameter %s: %w", name, err)
		}

		for j := range p.Data {
			bits := binary.LittleEndian.Uint16(buf[2*j:])
			p.Data[j] = f16LookupTable[bits]
		}

		loaded[p.Name] = true
	}

	if len(loaded) != len(params) {
		for _, p := range params {
			if !loaded[p.Name] {
				return fmt.Errorf("checkpoint is missing parameter %s", p.Name)
			}
		}
	}

	return nil
}

// SaveCheckpointFile writes the parameters to the file at path
func SaveCheckpointFile(path string, params []Parameter) error {

	f, err := os.Create(path)

	if err != nil {
		return fmt.Errorf("creating checkpoint file: %w", err)
	}

	defer f.Close()

	if err := SaveCheckpoint(f, params); err != nil {
		return err
	}

	return f.Close()
}

// LoadCheckpointFile reads the parameters from the file at path
func LoadCheckpointFile(path string, params []Parameter) error {

	f, err := os.Open(path)

	if err != nil {
		return fmt.Errorf("opening checkpoint file: %w", err)
	}

	defer f.Close()

	return LoadCheckpoint(f, params)
}
