package audio

import (
	"testing"
)

func TestRingBuffer_WriteRead(t *testing.T) {
	rb := NewRingBuffer(10)

	data := []byte{1, 2, 3, 4, 5}
	written := rb.Write(data)
	if written != 5 {
		t.Errorf("Expected to write 5 bytes, got %d", written)
	}
	if rb.Available() != 5 {
		t.Errorf("Expected available 5, got %d", rb.Available())
	}

	readBuf := make([]byte, 3)
	read := rb.Read(readBuf)
	if read != 3 {
		t.Errorf("Expected to read 3 bytes, got %d", read)
	}
	if readBuf[0] != 1 || readBuf[1] != 2 || readBuf[2] != 3 {
		t.Errorf("Read incorrect data: %v", readBuf)
	}
	if rb.Available() != 2 {
		t.Errorf("Expected available 2 after read, got %d", rb.Available())
	}
}

func TestRingBuffer_GrowsInsteadOfDropping(t *testing.T) {
	rb := NewRingBuffer(4)

	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}
	written := rb.Write(data)
	if written != 100 {
		t.Errorf("Expected to write 100 bytes, got %d", written)
	}
	if rb.Available() != 100 {
		t.Errorf("Expected available 100, got %d", rb.Available())
	}

	readBuf := make([]byte, 100)
	read := rb.Read(readBuf)
	if read != 100 {
		t.Errorf("Expected to read 100 bytes, got %d", read)
	}
	for i := range readBuf {
		if readBuf[i] != byte(i) {
			t.Fatalf("Byte order broken at %d: got %d", i, readBuf[i])
		}
	}
}

func TestRingBuffer_ReadEmpty(t *testing.T) {
	rb := NewRingBuffer(10)

	if !rb.IsEmpty() {
		t.Error("Expected buffer to be empty initially")
	}

	readBuf := make([]byte, 5)
	read := rb.Read(readBuf)
	if read != 0 {
		t.Errorf("Expected to read 0 bytes from empty buffer, got %d", read)
	}
}

func TestRingBuffer_WrapAround(t *testing.T) {
	rb := NewRingBuffer(5)

	rb.Write([]byte{1, 2, 3})
	readBuf := make([]byte, 2)
	rb.Read(readBuf)

	// Wraps around the backing array without growing
	rb.Write([]byte{4, 5})
	if rb.Available() != 3 {
		t.Errorf("Expected available 3, got %d", rb.Available())
	}

	readBuf = make([]byte, 3)
	read := rb.Read(readBuf)
	if read != 3 {
		t.Errorf("Expected to read 3 bytes, got %d", read)
	}
	expected := []byte{3, 4, 5}
	for i := range expected {
		if readBuf[i] != expected[i] {
			t.Errorf("Expected %d at position %d, got %d", expected[i], i, readBuf[i])
		}
	}
}

func TestRingBuffer_Clear(t *testing.T) {
	rb := NewRingBuffer(10)

	rb.Write([]byte{1, 2, 3, 4, 5})
	rb.Clear()
	if rb.Available() != 0 {
		t.Errorf("Expected available 0 after clear, got %d", rb.Available())
	}
	if !rb.IsEmpty() {
		t.Error("Expected buffer to be empty after clear")
	}
}
