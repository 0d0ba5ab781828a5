package tee

import (
	"io"
	"strings"
	"testing"
)

func TestBodySaverForwardsAndSaves(t *testing.T) {
	var chunks []string
	saver := NewBodySaver(func(b []byte) { chunks = append(chunks, string(b)) }, 0)

	buf := []byte("hello")
	saver.Write(buf)
	copy(buf, "XXXXX")
	saver.Write([]byte(" world"))

	if got := string(saver.Body()); got != "hello world" {
		t.Fatalf("Body is %s", got)
	}
	if strings.Join(chunks, "|") != "hello| world" {
		t.Fatalf("Chunks are %v", chunks)
	}
}

func TestBodySaverLimit(t *testing.T) {
	forwarded := 0
	saver := NewBodySaver(func(b []byte) { forwarded += len(b) }, 8)
	if _, err := io.Copy(saver, strings.NewReader("0123456789")); err != nil {
		t.Fatal(err)
	}
	if !saver.Overflowed() || saver.Body() != nil {
		t.Fatal("Body over limit was kept")
	}
	if forwarded != 10 {
		t.Fatalf("Forwarded %d bytes", forwarded)
	}
	saver.Reset()
	saver.Write([]byte("ok"))
	if string(saver.Body()) != "ok" {
		t.Fatalf("Body after reset is %s", saver.Body())
	}
}
