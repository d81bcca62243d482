// Package fits parses EFT fitting files and applies them to the fittings
// store, the doctrine composition, and the watchlist.
package fits

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"mkts-backend/internal/errs"
)

// slotRacks is the fixed order in which EFT sections appear. Blank lines
// separate sections; the cursor advances one rack per separator and wraps
// if a file carries trailing sections.
var slotRacks = []string{"LoSlot", "MedSlot", "HiSlot", "RigSlot", "DroneBay", "Cargo"}

// numberedRack reports whether items in the rack carry per-slot numbered
// flags. Drone bay and cargo entries share a single flag and use explicit
// quantities instead.
func numberedRack(rack string) bool {
	return rack != "DroneBay" && rack != "Cargo"
}

// Item is one parsed fitting entry.
type Item struct {
	Name     string
	Quantity int64
	Flag     string
}

// Fit is one parsed EFT fitting.
type Fit struct {
	ShipName string
	FitName  string
	Items    []Item
}

// Parse reads one fit in EFT format: a [Ship, Fit Name] header followed by
// blank-line separated racks in low, mid, high, rig, drone, cargo order.
func Parse(r io.Reader) (*Fit, error) {
	scanner := bufio.NewScanner(r)

	var fit *Fit
	rack := 0
	slotIndex := 0
	rackHasContent := false

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if fit == nil {
			if line == "" {
				continue
			}
			ship, name, err := parseHeader(line)
			if err != nil {
				return nil, err
			}
			fit = &Fit{ShipName: ship, FitName: name}
			continue
		}

		if line == "" {
			// A separator only advances the rack once content was seen;
			// consecutive blanks collapse.
			if rackHasContent {
				rack = (rack + 1) % len(slotRacks)
				slotIndex = 0
				rackHasContent = false
			}
			continue
		}

		if strings.HasPrefix(line, "[") {
			// Empty-slot placeholders such as [Empty Low slot] hold the
			// rack open without consuming a slot index.
			rackHasContent = true
			continue
		}

		name, qty := splitQuantity(line)
		rackName := slotRacks[rack]
		item := Item{Name: name, Quantity: qty, Flag: rackName}
		if numberedRack(rackName) {
			item.Flag = fmt.Sprintf("%s%d", rackName, slotIndex)
			slotIndex++
		}
		fit.Items = append(fit.Items, item)
		rackHasContent = true
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading fit: %w", err)
	}
	if fit == nil {
		return nil, fmt.Errorf("%w: fit file has no [Ship, Name] header", errs.ErrData)
	}
	return fit, nil
}

// parseHeader splits the [Ship, Fit Name] line.
func parseHeader(line string) (ship, name string, err error) {
	if !strings.HasPrefix(line, "[") || !strings.HasSuffix(line, "]") {
		return "", "", fmt.Errorf("%w: malformed fit header %q", errs.ErrData, line)
	}
	inner := line[1 : len(line)-1]
	parts := strings.SplitN(inner, ",", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("%w: fit header %q needs a ship and a fit name", errs.ErrData, line)
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), nil
}

// splitQuantity strips a trailing " xN" quantity suffix. Lines without one
// are single items.
func splitQuantity(line string) (string, int64) {
	idx := strings.LastIndex(line, " x")
	if idx > 0 {
		if qty, err := strconv.ParseInt(line[idx+2:], 10, 64); err == nil && qty > 0 {
			return strings.TrimSpace(line[:idx]), qty
		}
	}
	return line, 1
}

// Quantities aggregates the fit's items per type name, including one hull.
func (f *Fit) Quantities() map[string]int64 {
	out := map[string]int64{f.ShipName: 1}
	for _, item := range f.Items {
		out[item.Name] += item.Quantity
	}
	return out
}
