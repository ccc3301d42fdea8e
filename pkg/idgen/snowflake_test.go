package idgen

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateUnique(t *testing.T) {
	gen := &Snowflake{workerID: 1}

	seen := make(map[int64]struct{})
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				id := gen.Generate()
				mu.Lock()
				if _, dup := seen[id]; dup {
					t.Errorf("重复ID: %d", id)
				}
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 8000)
}

func TestGenerateTransactionNo(t *testing.T) {
	no := GenerateTransactionNo()
	assert.True(t, strings.HasPrefix(no, "CRT"))
	assert.Len(t, no, 3+14+8)

	assert.NotEqual(t, no, GenerateTransactionNo())
}
