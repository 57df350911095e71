package distributed

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeParam struct {
	name string
	sp   bool
}

func (p *fakeParam) ParamName() string         { return p.name }
func (p *fakeParam) SetSequenceParallel(v bool) { p.sp = v }

func TestRegistry_Mark(t *testing.T) {
	r := NewRegistry()
	p := &fakeParam{name: "layer0.scale"}

	assert.False(t, r.IsSequenceParallel("layer0.scale"))
	r.MarkSequenceParallel(p)

	assert.True(t, p.sp)
	assert.True(t, r.IsSequenceParallel("layer0.scale"))
	assert.Equal(t, 1, r.Size())

	r.MarkSequenceParallel(&fakeParam{name: "layer1.scale"})
	r.MarkSequenceParallel(&fakeParam{name: "layer0.scale"})
	assert.Equal(t, []string{"layer0.scale", "layer1.scale"}, r.Parameters())
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.MarkSequenceParallel(&fakeParam{name: string(rune('a' + i%8))})
			_ = r.Parameters()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 8, r.Size())
}

func TestAllReduceSum(t *testing.T) {
	out, err := AllReduceSum([][]float32{
		{1, 2, 3},
		{10, 20, 30},
		{100, 200, 300},
	})
	require.NoError(t, err)
	assert.Equal(t, []float32{111, 222, 333}, out)

	_, err = AllReduceSum(nil)
	assert.Error(t, err)

	_, err = AllReduceSum([][]float32{{1, 2}, {1}})
	assert.Error(t, err)
}
