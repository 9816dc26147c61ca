package datastore_test

import (
	"testing"

	"github.com/alanyoungcy/perpcore/internal/datastore"
	"github.com/alanyoungcy/perpcore/internal/datastore/datastoretest"
)

func TestMemoryBackend(t *testing.T) {
	datastoretest.Run(t, func(*testing.T) *datastore.Store { return datastore.NewInMemory() })
}
