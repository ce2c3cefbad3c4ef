package clusterstate

import (
	"sync"
	"time"

	"github.com/cuemby/controllerd/pkg/bitmap"
)

// Bitmaps holds the cluster-wide node membership bitmaps from the data
// model: avail, idle, share, cg, power_up, power_down, booting, cloud,
// asap_reboot, up, future. All are keyed by Node.Index.
type Bitmaps struct {
	mu sync.RWMutex

	Avail      *bitmap.Bitmap
	Idle       *bitmap.Bitmap
	Share      *bitmap.Bitmap
	CG         *bitmap.Bitmap // "completing" bitmap
	PowerUp    *bitmap.Bitmap
	PowerDown  *bitmap.Bitmap
	Booting    *bitmap.Bitmap
	Cloud      *bitmap.Bitmap
	AsapReboot *bitmap.Bitmap
	Up         *bitmap.Bitmap
	Future     *bitmap.Bitmap

	LastNodeUpdate    time.Time
	LastPartUpdate    time.Time
	LastLicenseUpdate time.Time
	LastJobUpdate     time.Time
}

// NewBitmaps returns a Bitmaps sized for n nodes.
func NewBitmaps(n int) *Bitmaps {
	return &Bitmaps{
		Avail:      bitmap.New(n),
		Idle:       bitmap.New(n),
		Share:      bitmap.New(n),
		CG:         bitmap.New(n),
		PowerUp:    bitmap.New(n),
		PowerDown:  bitmap.New(n),
		Booting:    bitmap.New(n),
		Cloud:      bitmap.New(n),
		AsapReboot: bitmap.New(n),
		Up:         bitmap.New(n),
		Future:     bitmap.New(n),
	}
}

// Reset clears every bitmap, e.g. ahead of a full rebuild from the node
// table (the "reset bitmaps" operation named in the Cluster State Store's
// public operations list).
func (b *Bitmaps) Reset(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fresh := NewBitmaps(n)
	b.Avail, b.Idle, b.Share, b.CG = fresh.Avail, fresh.Idle, fresh.Share, fresh.CG
	b.PowerUp, b.PowerDown, b.Booting, b.Cloud = fresh.PowerUp, fresh.PowerDown, fresh.Booting, fresh.Cloud
	b.AsapReboot, b.Up, b.Future = fresh.AsapReboot, fresh.Up, fresh.Future
}

// TouchNode bumps last_node_update to now. Call after any node mutation.
func (b *Bitmaps) TouchNode() {
	b.mu.Lock()
	b.LastNodeUpdate = time.Now()
	b.mu.Unlock()
}

// TouchPart bumps last_part_update to now.
func (b *Bitmaps) TouchPart() {
	b.mu.Lock()
	b.LastPartUpdate = time.Now()
	b.mu.Unlock()
}

// TouchLicense bumps last_license_update to now.
func (b *Bitmaps) TouchLicense() {
	b.mu.Lock()
	b.LastLicenseUpdate = time.Now()
	b.mu.Unlock()
}

// TouchJob bumps last_job_update to now.
func (b *Bitmaps) TouchJob() {
	b.mu.Lock()
	b.LastJobUpdate = time.Now()
	b.mu.Unlock()
}
