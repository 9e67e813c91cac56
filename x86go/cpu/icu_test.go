package cpu

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/cpue-emu/cpue/x86go/x86"
)

func TestICUOrder(t *testing.T) {
	u := NewICU(log.New())
	require.NoError(t, u.Push(x86.SoftwareInterrupt(0x80), PrioritySoftware))
	require.NoError(t, u.Push(x86.ExternalInterrupt(0x30), PriorityMaskable))
	require.NoError(t, u.Push(x86.ExternalInterrupt(0x31), PriorityMaskable))
	require.NoError(t, u.Push(x86.NMI(), PriorityNMI))
	require.Equal(t, 4, u.Len())

	var got []uint8
	for {
		ev, ok := u.Pop()
		if !ok {
			break
		}
		got = append(got, ev.Vector)
	}
	require.Equal(t, []uint8{x86.VectorNMI, 0x30, 0x31, 0x80}, got, "priority first, then arrival order")
}

func TestICUSupersededExceptions(t *testing.T) {
	u := NewICU(log.New())
	require.NoError(t, u.Push(x86.GP0(), PriorityFault))
	require.NoError(t, u.Push(x86.ExternalInterrupt(0x30), PriorityMaskable))
	require.NoError(t, u.Push(x86.UD(), PriorityIntegral))

	ev, ok := u.Pop()
	require.True(t, ok)
	require.Equal(t, uint8(x86.VectorUD), ev.Vector)
	// the queued fault is dropped, the interrupt stays pending
	require.Equal(t, 1, u.Len())
	ev, ok = u.Pop()
	require.True(t, ok)
	require.Equal(t, uint8(0x30), ev.Vector)
}

func TestICUCapacity(t *testing.T) {
	u := NewICU(log.New())
	for i := 0; i < ICUCapacity; i++ {
		require.NoError(t, u.Push(x86.SoftwareInterrupt(uint8(i)), PrioritySoftware))
	}
	require.Error(t, u.Push(x86.NMI(), PriorityNMI))
	require.Equal(t, ICUCapacity, u.Len())
}

func TestICUExternalInterrupts(t *testing.T) {
	u := NewICU(log.New())
	require.False(t, u.RaiseExternal(0x30), "dropped while IF is clear")
	require.Zero(t, u.Len())

	var woken int
	u.OnInterruptsEnabled(func() {
		woken++
		require.True(t, u.RaiseExternal(0x30))
	})
	u.SetInterruptsEnabled(true)
	u.SetInterruptsEnabled(true)
	require.Equal(t, 1, woken, "listeners run on the 0 to 1 transition only")
	require.Equal(t, 1, u.Len())

	u.SetInterruptsEnabled(false)
	u.SetInterruptsEnabled(true)
	require.Equal(t, 2, woken)
}

func TestICUWait(t *testing.T) {
	u := NewICU(log.New())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, u.Wait(ctx), context.DeadlineExceeded)

	go func() { _ = u.RaiseNMI() }()
	require.NoError(t, u.Wait(context.Background()))
	require.Equal(t, 1, u.Len())
}
