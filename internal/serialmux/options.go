package serialmux

import (
	"fmt"
	"strings"

	"go.bug.st/serial"
)

// DefaultBaudRate is the control unit's link speed.
const DefaultBaudRate = 115200

// PortOptions are the line settings for the control unit's tty. Zero values
// mean 115200 8N1.
type PortOptions struct {
	BaudRate int    `json:"baud_rate" yaml:"baud_rate"`
	DataBits int    `json:"data_bits" yaml:"data_bits"`
	StopBits int    `json:"stop_bits" yaml:"stop_bits"`
	Parity   string `json:"parity" yaml:"parity"`
}

var parityAliases = map[string]string{
	"": "N", "N": "N", "NONE": "N",
	"E": "E", "EVEN": "E",
	"O": "O", "ODD": "O",
}

var parityModes = map[string]serial.Parity{
	"N": serial.NoParity,
	"E": serial.EvenParity,
	"O": serial.OddParity,
}

var stopBitModes = map[int]serial.StopBits{
	1: serial.OneStopBit,
	2: serial.TwoStopBits,
}

// Normalise fills defaults and folds parity to a single letter. It fails on
// settings go.bug.st/serial cannot express.
func (o PortOptions) Normalise() (PortOptions, error) {
	n := o
	if n.BaudRate <= 0 {
		n.BaudRate = DefaultBaudRate
	}
	if n.DataBits == 0 {
		n.DataBits = 8
	}
	if n.StopBits == 0 {
		n.StopBits = 1
	}

	if n.DataBits < 5 || n.DataBits > 8 {
		return n, fmt.Errorf("invalid data bits %d: must be between 5 and 8", n.DataBits)
	}
	if _, ok := stopBitModes[n.StopBits]; !ok {
		return n, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", n.StopBits)
	}
	p, ok := parityAliases[strings.ToUpper(strings.TrimSpace(n.Parity))]
	if !ok {
		return n, fmt.Errorf("unsupported parity %q: expected N, E, or O", o.Parity)
	}
	n.Parity = p
	return n, nil
}

// String renders the usual "115200 8N1" shorthand.
func (o PortOptions) String() string {
	n, err := o.Normalise()
	if err != nil {
		return fmt.Sprintf("invalid(%d %d%s%d)", o.BaudRate, o.DataBits, o.Parity, o.StopBits)
	}
	return fmt.Sprintf("%d %d%s%d", n.BaudRate, n.DataBits, n.Parity, n.StopBits)
}

// SerialMode converts the options for serial.Open. Flow control stays off.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	n, err := o.Normalise()
	if err != nil {
		return nil, err
	}
	return &serial.Mode{
		BaudRate: n.BaudRate,
		DataBits: n.DataBits,
		StopBits: stopBitModes[n.StopBits],
		Parity:   parityModes[n.Parity],
	}, nil
}
