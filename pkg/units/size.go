// Package units formats byte counts for progress bars and tables.
package units

import "fmt"

var decimalUnits = []string{"B", "kB", "MB", "GB", "TB", "PB"}

// HumanSize formats bytes with decimal units and three significant digits, e.g. 44.7GB.
func HumanSize(size float64) string {
	unit := 0
	for size >= 1000 && unit < len(decimalUnits)-1 {
		size /= 1000
		unit++
	}
	return fmt.Sprintf("%.3g%s", size, decimalUnits[unit])
}
