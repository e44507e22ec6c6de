package lorawan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeOnAir(t *testing.T) {
	tests := []struct {
		name    string
		bw, sf  int
		cr      CodingRate
		size    int
		airtime time.Duration
	}{
		{"SF7BW125 5 bytes", 125000, 7, CR4_5, 5, 30976 * time.Microsecond},
		{"SF7BW125 13 bytes", 125000, 7, CR4_5, 13, 46336 * time.Microsecond},
		{"SF12BW125 13 bytes", 125000, 12, CR4_5, 13, 1155072 * time.Microsecond},
		{"SF7BW250 13 bytes", 250000, 7, CR4_5, 13, 23168 * time.Microsecond},
		{"SF7BW125 empty", 125000, 7, CR4_5, 0, 25856 * time.Microsecond},
		{"invalid coding rate uses 4/5", 125000, 7, 0, 13, 46336 * time.Microsecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.airtime, TimeOnAir(tt.bw, tt.sf, tt.cr, tt.size))
		})
	}
}

func TestTimeOnAir_CodingRateAddsSymbols(t *testing.T) {
	assert.Greater(t, TimeOnAir(125000, 9, CR4_8, 20), TimeOnAir(125000, 9, CR4_5, 20))
}

func TestTimeOnAir_MonotonicInPayload(t *testing.T) {
	for _, bw := range []int{125000, 250000, 500000} {
		for sf := 6; sf <= 12; sf++ {
			prev := time.Duration(0)
			for size := 0; size <= 255; size++ {
				airtime := TimeOnAir(bw, sf, CR4_5, size)
				assert.GreaterOrEqual(t, airtime, prev, "bw=%d sf=%d size=%d", bw, sf, size)
				prev = airtime
			}
		}
	}
}

func TestTimeOnAir_Invalid(t *testing.T) {
	assert.Zero(t, TimeOnAir(0, 7, CR4_5, 10))
	assert.Zero(t, TimeOnAir(125000, 0, CR4_5, 10))
}

func TestSymbolPeriod(t *testing.T) {
	assert.Equal(t, 1024*time.Microsecond, SymbolPeriod(7, 125000))
	assert.Equal(t, 32768*time.Microsecond, SymbolPeriod(12, 125000))
	assert.Zero(t, SymbolPeriod(7, 0))
}
