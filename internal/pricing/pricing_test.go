package pricing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-dispatch-service/internal/entity"
)

const testConfig = `
max_minutes: 240
families:
  compute:
    queue_key: "compute:queue"
    skus:
      cpu2x4:
        name: "2 vCPU / 4 GB"
        per_minute: 4
        currency: USD
    promos:
      LAUNCH10: 10
  gpu:
    skus:
      a100:
        name: "A100"
        per_minute: 180
        currency: USD
`

func loadTestTable(t *testing.T) *Table {
	t.Helper()
	path := filepath.Join(t.TempDir(), "families.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))
	tbl, err := Load(path)
	require.NoError(t, err)
	return tbl
}

func TestLoadDefaultsQueueKey(t *testing.T) {
	tbl := loadTestTable(t)
	assert.Equal(t, "compute:queue", tbl.QueueKey(entity.FamilyCompute))
	assert.Equal(t, "gpu:queue", tbl.QueueKey(entity.FamilyGPU))
}

func TestPrice(t *testing.T) {
	tbl := loadTestTable(t)

	amount, currency, err := tbl.Price(entity.FamilyCompute, "cpu2x4", 60, "")
	require.NoError(t, err)
	assert.Equal(t, int64(240), amount)
	assert.Equal(t, "USD", currency)
}

func TestPriceAppliesPromo(t *testing.T) {
	tbl := loadTestTable(t)

	amount, _, err := tbl.Price(entity.FamilyCompute, "cpu2x4", 100, "launch10")
	require.NoError(t, err)
	assert.Equal(t, int64(360), amount) // 400 minus 10%
}

func TestPriceRejectsUnknownPromo(t *testing.T) {
	tbl := loadTestTable(t)

	_, _, err := tbl.Price(entity.FamilyCompute, "cpu2x4", 60, "NOPE50")
	assert.ErrorIs(t, err, ErrUnknownPromo)
}

func TestPriceRejectsUnknownSKU(t *testing.T) {
	tbl := loadTestTable(t)

	_, _, err := tbl.Price(entity.FamilyCompute, "tpu", 60, "")
	assert.ErrorIs(t, err, ErrUnknownSKU)

	_, _, err = tbl.Price(entity.FamilyStorage, "ssd100", 60, "")
	assert.ErrorIs(t, err, ErrUnknownSKU)
}

func TestClampMinutes(t *testing.T) {
	tbl := loadTestTable(t)

	assert.Equal(t, 1, tbl.ClampMinutes(0))
	assert.Equal(t, 1, tbl.ClampMinutes(-5))
	assert.Equal(t, 60, tbl.ClampMinutes(60))
	assert.Equal(t, 240, tbl.ClampMinutes(1000))
}

func TestPriceClampsMinutes(t *testing.T) {
	tbl := loadTestTable(t)

	amount, _, err := tbl.Price(entity.FamilyCompute, "cpu2x4", 10000, "")
	require.NoError(t, err)
	assert.Equal(t, int64(4*240), amount)
}
