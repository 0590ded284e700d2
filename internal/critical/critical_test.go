package critical

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type countingMasker struct {
	disabled int
	restored []uint64
}

func (m *countingMasker) Disable() uint64 {
	m.disabled++
	return uint64(m.disabled)
}

func (m *countingMasker) Restore(state uint64) {
	m.restored = append(m.restored, state)
}

func TestSection_MasksAndRestores(t *testing.T) {
	m := &countingMasker{}
	s := New(m)

	s.Enter()
	s.Exit()
	s.Enter()
	s.Exit()

	require.Equal(t, 2, m.disabled)
	require.Equal(t, []uint64{1, 2}, m.restored)
	require.Equal(t, uint64(2), s.Entries())
}

func TestSection_MutualExclusion(t *testing.T) {
	s := New(nil)
	counter := 0

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 1000 {
				s.Enter()
				counter++
				s.Exit()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 8000, counter)
}

func TestSection_Locker(t *testing.T) {
	s := New(nil)
	l := s.Locker()
	l.Lock()
	l.Unlock()
	require.Equal(t, uint64(1), s.Entries())
}

func TestStdProvider_Limit(t *testing.T) {
	p := &StdProvider{Limit: 2}

	a, err := p.NewMutex()
	require.NoError(t, err)
	_, err = p.NewMutex()
	require.NoError(t, err)

	_, err = p.NewMutex()
	require.ErrorIs(t, err, ErrNoMutex)

	p.DestroyMutex(a)
	require.Equal(t, 1, p.Live())

	_, err = p.NewMutex()
	require.NoError(t, err)
}
