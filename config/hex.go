package config

import (
	"fmt"
	"strconv"
)

// hexUint16 is a flag.Value accepting 0x5A, 90 or 0o132.
type hexUint16 uint16

func (h *hexUint16) String() string {
	if h == nil {
		return "0x00"
	}
	return fmt.Sprintf("0x%02X", uint16(*h))
}

func (h *hexUint16) Set(s string) error {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return err
	}
	*h = hexUint16(v)
	return nil
}
