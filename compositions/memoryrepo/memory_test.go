package memoryrepo

import (
	"testing"

	"github.com/cocomposer/cocomposer/compositions"
	"github.com/cocomposer/cocomposer/compositions/repotest"
)

func TestMemoryRepository(t *testing.T) {
	repotest.Run(t, func(t *testing.T) compositions.Repository {
		return New()
	})
}
