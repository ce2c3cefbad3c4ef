package storage

import (
	"github.com/cuemby/controllerd/pkg/types"
)

// Store is the persistence interface backing the cluster state store (C1).
// A BoltDB implementation is provided; the interface exists so the FSM and
// its tests can substitute an in-memory fake.
type Store interface {
	// Nodes
	CreateNode(node *types.Node) error
	GetNode(name string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	UpdateNode(node *types.Node) error
	DeleteNode(name string) error

	// Partitions
	CreatePartition(p *types.Partition) error
	GetPartition(name string) (*types.Partition, error)
	ListPartitions() ([]*types.Partition, error)
	UpdatePartition(p *types.Partition) error
	DeletePartition(name string) error

	// Jobs
	CreateJob(j *types.Job) error
	GetJob(id uint32) (*types.Job, error)
	ListJobs() ([]*types.Job, error)
	UpdateJob(j *types.Job) error
	DeleteJob(id uint32) error

	// Reservations
	CreateReservation(r *types.Reservation) error
	GetReservation(name string) (*types.Reservation, error)
	ListReservations() ([]*types.Reservation, error)
	UpdateReservation(r *types.Reservation) error
	DeleteReservation(name string) error

	// License ledger entries
	CreateLicense(l *types.LicenseEntry) error
	GetLicense(name string) (*types.LicenseEntry, error)
	ListLicenses() ([]*types.LicenseEntry, error)
	UpdateLicense(l *types.LicenseEntry) error
	DeleteLicense(name string) error

	// Certificate authority material, used by pkg/security for peer mTLS.
	SaveCA(data []byte) error
	GetCA() ([]byte, error)

	Close() error
}
