package id

import (
	"fmt"
	"os"
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	node *snowflake.Node
	once sync.Once
)

// Init initializes the Snowflake node with the given node ID.
// Each orchestrator replica must use a distinct node ID (0-1023).
func Init(nodeID int64) error {
	var err error
	once.Do(func() {
		node, err = snowflake.NewNode(nodeID)
	})
	return err
}

// New generates a new globally unique int64 ID using the Snowflake algorithm.
// IDs are time-ordered and unique across distributed instances.
func New() int64 {
	return node.Generate().Int64()
}

// NewString returns a new ID in its base-10 string form, used for task IDs.
func NewString() string {
	return node.Generate().String()
}

// WorkerID builds the claimant identifier written into jobs.worker_id.
// It combines the host name with a fresh snowflake so restarts never reuse a claim identity.
func WorkerID(prefix string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%s-%s", prefix, host, node.Generate().Base36())
}
