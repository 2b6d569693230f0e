package transfer

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/lantalk/lantalk-node/pkg/transport"
)

// dataChannelTimeout bounds how long each side waits for the TCP data
// channel to come up after an offer is accepted.
const dataChannelTimeout = 30 * time.Second

// HashFile computes the streaming SHA-256 of a file, hex encoded.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func statFile(path string) (name string, size uint64, err error) {
	fi, err := os.Stat(path)
	if err != nil {
		return "", 0, err
	}
	if fi.IsDir() {
		return "", 0, fmt.Errorf("%s is a directory", path)
	}
	return filepath.Base(fi.Name()), uint64(fi.Size()), nil
}

// RunUpload dials the peer's advertised data port and streams the file.
// Any failure marks the task Failed; it never propagates as a process
// fault. Intended to run on its own goroutine.
func (c *Coordinator) RunUpload(id string) {
	task, ok := c.Get(id)
	if !ok || task.Status != StatusActive {
		return
	}

	err := c.uploadOnce(task)
	if err != nil {
		_ = c.Fail(id, err.Error())
		return
	}
	_ = c.Complete(id)
}

func (c *Coordinator) uploadOnce(task Task) error {
	addr := net.JoinHostPort(task.PeerIP, fmt.Sprint(task.Port))
	conn, err := net.DialTimeout("tcp4", addr, dataChannelTimeout)
	if err != nil {
		return fmt.Errorf("dial data channel: %w", err)
	}
	defer conn.Close()

	f, err := os.Open(task.FilePath)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriterSize(conn, transport.ChunkSize)
	_, err = transport.CopyChunks(w, f, task.FileSize, func(n uint64) {
		_ = c.Progress(task.ID, n)
	})
	if err != nil {
		return err
	}
	return nil
}

// ListenData binds the download data channel. Port 0 lets the OS pick,
// so concurrent accepted downloads never contend for one port. The bound
// port is what the decision payload must advertise.
func ListenData(port int) (*net.TCPListener, int, error) {
	ln, err := net.Listen("tcp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, 0, fmt.Errorf("listen data channel: %w", err)
	}
	tl := ln.(*net.TCPListener)
	return tl, tl.Addr().(*net.TCPAddr).Port, nil
}

// RunDownload binds the task's negotiated port, accepts one connection
// and writes the incoming stream to the task's file path. Intended to
// run on its own goroutine.
func (c *Coordinator) RunDownload(id string) {
	task, ok := c.Get(id)
	if !ok || task.Status != StatusActive {
		return
	}

	ln, _, err := ListenData(task.Port)
	if err != nil {
		_ = c.Fail(id, err.Error())
		return
	}
	c.serveDownload(id, task, ln)
}

// RunDownloadOn is RunDownload over a listener bound ahead of time, for
// callers that must advertise the port before the upload side dials.
func (c *Coordinator) RunDownloadOn(id string, ln *net.TCPListener) {
	task, ok := c.Get(id)
	if !ok || task.Status != StatusActive {
		ln.Close()
		return
	}
	c.serveDownload(id, task, ln)
}

func (c *Coordinator) serveDownload(id string, task Task, ln *net.TCPListener) {
	err := c.downloadOnce(task, ln)
	if err != nil {
		_ = c.Fail(id, err.Error())
		return
	}
	_ = c.Complete(id)
}

func (c *Coordinator) downloadOnce(task Task, ln *net.TCPListener) error {
	defer ln.Close()
	_ = ln.SetDeadline(time.Now().Add(dataChannelTimeout))

	conn, err := ln.Accept()
	if err != nil {
		return fmt.Errorf("accept data channel: %w", err)
	}
	defer conn.Close()

	f, err := os.Create(task.FilePath)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	defer f.Close()

	n, err := transport.CopyChunks(f, conn, task.FileSize, func(total uint64) {
		_ = c.Progress(task.ID, total)
	})
	if err != nil {
		return err
	}
	if n != task.FileSize {
		return fmt.Errorf("short transfer: %d of %d bytes", n, task.FileSize)
	}
	return f.Sync()
}
