package fits

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const merlinFit = `[Merlin, WC Merlin Alpha]
IFFA Compact Damage Control
Micro Auxiliary Power Core I

5MN Quad LiF Restrained Microwarpdrive
Medium Shield Extender I
Stasis Webifier I

Light Neutron Blaster I
Light Neutron Blaster I
Light Neutron Blaster I

Small Core Defense Field Extender I
[Empty Rig slot]
Small Core Defense Field Extender I

Warrior I x2

Antimatter Charge S x1000
Nanite Repair Paste x25
`

func TestParse_HeaderAndRacks(t *testing.T) {
	fit, err := Parse(strings.NewReader(merlinFit))
	require.NoError(t, err)
	assert.Equal(t, "Merlin", fit.ShipName)
	assert.Equal(t, "WC Merlin Alpha", fit.FitName)
	require.Len(t, fit.Items, 13)

	// Low slots are numbered within their rack.
	assert.Equal(t, Item{Name: "IFFA Compact Damage Control", Quantity: 1, Flag: "LoSlot0"}, fit.Items[0])
	assert.Equal(t, "LoSlot1", fit.Items[1].Flag)

	// Mids follow after the blank separator.
	assert.Equal(t, "MedSlot0", fit.Items[2].Flag)
	assert.Equal(t, "MedSlot2", fit.Items[4].Flag)

	// Highs and rigs; the empty-slot placeholder does not consume an index.
	assert.Equal(t, "HiSlot2", fit.Items[7].Flag)
	assert.Equal(t, "RigSlot0", fit.Items[8].Flag)
	assert.Equal(t, "RigSlot1", fit.Items[9].Flag)

	// Drone bay and cargo carry explicit quantities under a shared flag.
	assert.Equal(t, Item{Name: "Warrior I", Quantity: 2, Flag: "DroneBay"}, fit.Items[10])
	assert.Equal(t, Item{Name: "Antimatter Charge S", Quantity: 1000, Flag: "Cargo"}, fit.Items[11])
}

func TestParse_CargoContinuesAfterFirstEntry(t *testing.T) {
	fit, err := Parse(strings.NewReader(merlinFit + "Nanite Repair Paste x5\n"))
	require.NoError(t, err)
	last := fit.Items[len(fit.Items)-1]
	assert.Equal(t, "Cargo", last.Flag)
}

func TestParse_QuantitySuffix(t *testing.T) {
	name, qty := splitQuantity("Warrior I x2")
	assert.Equal(t, "Warrior I", name)
	assert.Equal(t, int64(2), qty)

	// A trailing x without a number is part of the name.
	name, qty = splitQuantity("Hornet EC-300 x")
	assert.Equal(t, "Hornet EC-300 x", name)
	assert.Equal(t, int64(1), qty)

	name, qty = splitQuantity("Stasis Webifier I")
	assert.Equal(t, "Stasis Webifier I", name)
	assert.Equal(t, int64(1), qty)
}

func TestParse_RejectsMissingHeader(t *testing.T) {
	_, err := Parse(strings.NewReader("Light Neutron Blaster I\n"))
	assert.Error(t, err)

	_, err = Parse(strings.NewReader(""))
	assert.Error(t, err)
}

func TestParse_RejectsHeaderWithoutFitName(t *testing.T) {
	_, err := Parse(strings.NewReader("[Merlin]\n"))
	assert.Error(t, err)
}

func TestQuantities_AggregatesWithHull(t *testing.T) {
	fit, err := Parse(strings.NewReader(merlinFit))
	require.NoError(t, err)
	q := fit.Quantities()
	assert.Equal(t, int64(1), q["Merlin"])
	assert.Equal(t, int64(3), q["Light Neutron Blaster I"])
	assert.Equal(t, int64(2), q["Small Core Defense Field Extender I"])
	assert.Equal(t, int64(1000), q["Antimatter Charge S"])
}
