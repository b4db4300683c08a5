package dwire

import (
	_ "embed"
	"fmt"

	"github.com/BurntSushi/toml"
)

//go:embed catalog.toml
var catalogTOML string

// DeviceEntry is one row of the signature catalog: the fixed per-part
// characteristics needed to drive debugWIRE against it.
type DeviceEntry struct {
	Name       string `toml:"name"`
	Signature  uint16 `toml:"signature"`
	FlashSize  int    `toml:"flash_size"`
	SRAMBase   int    `toml:"sram_base"`
	SRAMSize   int    `toml:"sram_size"`
	EEPROMSize int    `toml:"eeprom_size"`
	PageSize   int    `toml:"page_size"`
	DWDRAddr   int    `toml:"dwdr_addr"`
}

// DWDRIOReg is the I/O-space address of the data wire data register,
// always DWDRAddr-0x20.
func (d DeviceEntry) DWDRIOReg() int { return d.DWDRAddr - 0x20 }

// flashWords is the device's flash size in AVR instruction words, used to
// wrap the word program counter modulo flash size on reconnect.
func (d DeviceEntry) flashWords() int { return d.FlashSize / 2 }

type catalogFile struct {
	Device []DeviceEntry `toml:"device"`
}

var catalog []DeviceEntry

func init() {
	var f catalogFile
	if _, err := toml.Decode(catalogTOML, &f); err != nil {
		panic(fmt.Sprintf("dwire: embedded catalog.toml is malformed: %v", err))
	}

	seen := make(map[uint16]bool, len(f.Device))
	for _, d := range f.Device {
		if seen[d.Signature] {
			panic(fmt.Sprintf("dwire: duplicate catalog signature 0x%04x (%s)", d.Signature, d.Name))
		}
		if d.DWDRAddr < 0x20 {
			panic(fmt.Sprintf("dwire: catalog entry %s has dwdr_addr below the I/O window", d.Name))
		}
		seen[d.Signature] = true
	}
	catalog = f.Device
}

// LookupSignature returns the catalog entry for a 16-bit debugWIRE device
// signature, or false if the device is not recognised.
func LookupSignature(sig uint16) (DeviceEntry, bool) {
	for _, d := range catalog {
		if d.Signature == sig {
			return d, true
		}
	}
	return DeviceEntry{}, false
}
