package devices

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"
)

// testUART wires a UART to pin 0 of a controller whose sink refuses every request, so that the
// request register mirrors the interrupt line.
func testUART(t *testing.T) (*UART, func() bool) {
	p := NewPIC(log.New(), &fakeSink{refuse: true})
	line, err := p.Connect()
	require.NoError(t, err)
	u := NewUART(log.New(), line)
	return u, func() bool {
		irr, _, _ := p.Status()
		return irr&1 != 0
	}
}

func readReg(t *testing.T, u *UART, offset uint64) uint8 {
	v, err := u.ReadRegister(offset)
	require.NoError(t, err)
	return v
}

func writeReg(t *testing.T, u *UART, offset uint64, v uint8) {
	require.NoError(t, u.WriteRegister(offset, v))
}

type recordingPeer struct {
	mu  sync.Mutex
	got []byte
}

func (p *recordingPeer) Receive(b byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, b)
	return nil
}

func (p *recordingPeer) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.got)
}

func TestUARTRegisters(t *testing.T) {
	u, _ := testUART(t)
	writeReg(t, u, UARTRegSCR, 0x5A)
	require.Equal(t, uint8(0x5A), readReg(t, u, UARTRegSCR))

	writeReg(t, u, UARTRegLCR, LCRDivisorLatch|0x03)
	writeReg(t, u, UARTRegData, 0x0C)
	writeReg(t, u, UARTRegIER, 0x00)
	require.Equal(t, uint8(0x0C), readReg(t, u, UARTRegData))
	writeReg(t, u, UARTRegLCR, 0x03)
	require.Zero(t, readReg(t, u, UARTRegIER))
	require.False(t, u.InterruptsEnabled())
	writeReg(t, u, UARTRegIER, IERModemStatus)
	require.True(t, u.InterruptsEnabled())
	writeReg(t, u, UARTRegIER, 0)

	require.Equal(t, uint8(LSRTransmitterEmpty|LSRTransmitterIdle), readReg(t, u, UARTRegLSR))
	require.Equal(t, uint8(IIRNone), readReg(t, u, UARTRegIIR))
	require.Equal(t, uint8(0xB0), readReg(t, u, UARTRegMSR))
	require.Error(t, u.WriteRegister(UARTRegLSR, 0))

	reg := u.MMIORegister()
	_, err := reg.Read(UARTRegLSR, 2)
	require.Error(t, err)
	require.Error(t, reg.Write(UARTRegLSR, 1, 0))
}

func TestUARTReceive(t *testing.T) {
	t.Run("trigger level and character timeout", func(t *testing.T) {
		u, irq := testUART(t)
		writeReg(t, u, UARTRegIIR, FCREnable|1<<6) // 16 bytes, trigger at 4
		writeReg(t, u, UARTRegIER, IERReceivedData)

		for _, b := range []byte("abc") {
			require.True(t, u.Input(b))
		}
		require.Eventually(t, func() bool {
			return readReg(t, u, UARTRegIIR) == IIRCharacterTimeout
		}, time.Second, time.Millisecond)
		require.True(t, irq())

		require.True(t, u.Input('d'))
		require.Equal(t, uint8(IIRReceivedData), readReg(t, u, UARTRegIIR))
		require.Equal(t, uint8('a'), readReg(t, u, UARTRegData))
		require.NotEqual(t, uint8(IIRReceivedData), readReg(t, u, UARTRegIIR))
		for _, want := range []byte("bcd") {
			require.NotZero(t, readReg(t, u, UARTRegLSR)&LSRDataReady)
			require.Equal(t, want, readReg(t, u, UARTRegData))
		}
		require.Zero(t, readReg(t, u, UARTRegLSR)&LSRDataReady)
		require.Equal(t, uint8(IIRNone), readReg(t, u, UARTRegIIR))
		require.False(t, irq())
	})

	t.Run("overrun has priority", func(t *testing.T) {
		u, irq := testUART(t)
		writeReg(t, u, UARTRegIER, IERReceivedData|IERLineStatus)
		require.True(t, u.Input('x'))
		require.False(t, u.Input('y'))
		require.Equal(t, uint8(IIRLineStatus), readReg(t, u, UARTRegIIR))
		require.Equal(t, uint8(LSRDataReady|LSROverrun|LSRTransmitterEmpty|LSRTransmitterIdle), readReg(t, u, UARTRegLSR))
		require.Zero(t, readReg(t, u, UARTRegLSR)&LSROverrun)
		require.Equal(t, uint8(IIRReceivedData), readReg(t, u, UARTRegIIR))
		require.True(t, irq())
		require.Equal(t, uint8('x'), readReg(t, u, UARTRegData))
		require.False(t, irq())
	})

	t.Run("clear to send with automatic flow control", func(t *testing.T) {
		u, _ := testUART(t)
		writeReg(t, u, UARTRegIIR, FCREnable|FCR64Byte|0b10<<6) // 64 bytes, trigger at 32
		for i := 0; i < 32; i++ {
			require.True(t, u.ClearToSend())
			u.Input(byte(i))
		}
		require.True(t, u.ClearToSend())
		writeReg(t, u, UARTRegMCR, MCRAutoFlowControl|MCRRequestToSend)
		require.False(t, u.ClearToSend())
		readReg(t, u, UARTRegData)
		require.True(t, u.ClearToSend())

		writeReg(t, u, UARTRegIIR, FCREnable|FCR64Byte|FCRClearRX)
		require.Zero(t, readReg(t, u, UARTRegLSR)&LSRDataReady)
	})

	t.Run("host read", func(t *testing.T) {
		u, _ := testUART(t)
		writeReg(t, u, UARTRegIIR, FCREnable)
		done := make(chan string)
		go func() {
			buf := make([]byte, 8)
			n, err := u.Read(buf)
			if err != nil {
				done <- err.Error()
				return
			}
			done <- string(buf[:n])
		}()
		u.Input('k')
		require.Equal(t, "k", <-done)

		u.Input('z')
		u.CloseInput()
		buf := make([]byte, 8)
		n, err := u.Read(buf)
		require.NoError(t, err)
		require.Equal(t, "z", string(buf[:n]))
		_, err = u.Read(buf)
		require.ErrorIs(t, err, io.EOF)
	})
}

func TestUARTTransmit(t *testing.T) {
	t.Run("worker delivers to the peer", func(t *testing.T) {
		u, irq := testUART(t)
		writeReg(t, u, UARTRegIIR, FCREnable)
		peer := &recordingPeer{}
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		done := make(chan error)
		go func() { done <- u.Run(ctx, peer) }()

		for _, b := range []byte("hi ") {
			writeReg(t, u, UARTRegData, b)
		}
		n, err := u.Write([]byte("there"))
		require.NoError(t, err)
		require.Equal(t, 5, n)
		u.Drain()
		require.Equal(t, "hi there", peer.String())
		require.False(t, irq())

		cancel()
		require.NoError(t, <-done)
		_, err = u.Write([]byte("x"))
		require.ErrorIs(t, err, ErrUARTStopped)
	})

	t.Run("transmitter empty interrupt", func(t *testing.T) {
		u, irq := testUART(t)
		writeReg(t, u, UARTRegIER, IERTransmitterEmpty)
		require.True(t, irq())
		require.Equal(t, uint8(IIRTransmitterEmpty), readReg(t, u, UARTRegIIR))
		require.False(t, irq())
		require.Equal(t, uint8(IIRNone), readReg(t, u, UARTRegIIR))

		writeReg(t, u, UARTRegData, 'a')
		require.Zero(t, readReg(t, u, UARTRegLSR)&LSRTransmitterEmpty)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go u.Run(ctx, &recordingPeer{})
		require.Eventually(t, irq, time.Second, time.Millisecond)
	})

	t.Run("line peer", func(t *testing.T) {
		var lines []string
		p := NewLinePeer(writerFunc(func(b []byte) (int, error) {
			lines = append(lines, string(b))
			return len(b), nil
		}))
		for _, b := range []byte("one\ntwo") {
			require.NoError(t, p.Receive(b))
		}
		require.Equal(t, []string{"one\n"}, lines)
		require.NoError(t, p.Flush())
		require.Equal(t, []string{"one\n", "two"}, lines)
	})
}

type writerFunc func(b []byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) { return f(b) }
