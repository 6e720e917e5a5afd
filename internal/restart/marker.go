package restart

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/roelfdiedericks/lifeline/internal/config"
	"github.com/roelfdiedericks/lifeline/internal/types"
)

// MarkerFile is the restart marker's name inside the data directory.
const MarkerFile = "restart.marker"

// Marker is written before a hard restart and consumed on the next start.
type Marker struct {
	RequestedBy string    `json:"requested_by"`
	RequestedAt time.Time `json:"requested_at"`
	Reason      string    `json:"reason"`
}

// WriteMarker persists m at path.
func WriteMarker(path string, by types.Identity, reason string, at time.Time) error {
	data, err := json.MarshalIndent(Marker{RequestedBy: by.String(), RequestedAt: at.UTC(), Reason: reason}, "", "  ")
	if err != nil {
		return err
	}
	if err := config.AtomicWrite(path, data, 0600); err != nil {
		return fmt.Errorf("restart: write marker: %w", err)
	}
	return nil
}

// ConsumeMarker reads and removes the marker. It returns nil when there is
// no marker. A malformed marker is removed and reported with an empty body.
func ConsumeMarker(path string) (*Marker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("restart: read marker: %w", err)
	}
	if err := os.Remove(path); err != nil {
		return nil, fmt.Errorf("restart: clear marker: %w", err)
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return &Marker{Reason: "unknown (marker unreadable)"}, nil
	}
	return &m, nil
}
