// Package archive keeps a copy of every confirmed donation as a JSON
// receipt outside the primary store.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"bloodnet.org/internal/matching"
)

// ErrNotFound is returned when no receipt exists for a donation.
var ErrNotFound = errors.New("receipt not found")

// Key is the object key a donation's receipt is stored under.
func Key(d matching.DonationRecord) string {
	return fmt.Sprintf("receipts/%s/%s.json", d.DonorID, d.ID)
}

func encode(d matching.DonationRecord) ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

// Memory is an in-process archive for tests and single-node runs.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

var _ matching.ReceiptArchive = (*Memory)(nil)

func NewMemory() *Memory { return &Memory{objects: map[string][]byte{}} }

func (m *Memory) PutReceipt(ctx context.Context, d matching.DonationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(d)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[Key(d)] = data
	return nil
}

// GetReceipt decodes the receipt stored for donorID/donationID.
func (m *Memory) GetReceipt(_ context.Context, donorID, donationID string) (matching.DonationRecord, error) {
	m.mu.RLock()
	data, ok := m.objects[Key(matching.DonationRecord{ID: donationID, DonorID: donorID})]
	m.mu.RUnlock()
	if !ok {
		return matching.DonationRecord{}, ErrNotFound
	}
	var d matching.DonationRecord
	err := json.Unmarshal(data, &d)
	return d, err
}

// Keys lists stored keys in order.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.objects))
	for k := range m.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
