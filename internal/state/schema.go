package state

import (
	"github.com/hashicorp/go-memdb"
)

const (
	tableTenant       = "tenant"
	tableNode         = "node"
	tableJob          = "job"
	tableCheckpoint   = "checkpoint"
	tableFailure      = "failure"
	tableRecoveryPlan = "recovery_plan"
)

// schema defines the go-memdb tables backing the registry. It gives C1
// the reverse indexes spec §4.1 requires (node→job via Node.CurrentJobID,
// tenant→jobs[] via the job table's tenant_id index, job→dependents[]
// via the job table's dependency index) without linear scans.
func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableTenant: {
				Name: tableTenant,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
				},
			},
			tableNode: {
				Name: tableNode,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"status": {
						Name:    "status",
						Indexer: &memdb.StringFieldIndex{Field: "Status"},
					},
				},
			},
			tableJob: {
				Name: tableJob,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"tenant_id": {
						Name:    "tenant_id",
						Indexer: &memdb.StringFieldIndex{Field: "TenantID"},
					},
					"status": {
						Name:    "status",
						Indexer: &memdb.StringFieldIndex{Field: "Status"},
					},
					"dependency": {
						Name:         "dependency",
						AllowMissing: true,
						Indexer:      &memdb.StringSliceFieldIndex{Field: "Dependencies"},
					},
				},
			},
			tableCheckpoint: {
				Name: tableCheckpoint,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"job_id": {
						Name:    "job_id",
						Indexer: &memdb.StringFieldIndex{Field: "JobID"},
					},
				},
			},
			tableFailure: {
				Name: tableFailure,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"node_id": {
						Name:         "node_id",
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "NodeID"},
					},
					"job_id": {
						Name:         "job_id",
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "JobID"},
					},
				},
			},
			tableRecoveryPlan: {
				Name: tableRecoveryPlan,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"failure_id": {
						Name:    "failure_id",
						Indexer: &memdb.StringFieldIndex{Field: "FailureID"},
					},
				},
			},
		},
	}
}
