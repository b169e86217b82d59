package sshconn

import (
	"io"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// sftpNewClient opens the sftp subsystem; override in tests.
var sftpNewClient = func(client *ssh.Client) (*sftp.Client, error) {
	return sftp.NewClient(client)
}

// fileTransfer adapts *sftp.Client to the pool's FileTransfer surface.
// Everything except Open/Create promotes straight through.
type fileTransfer struct {
	*sftp.Client
}

func (ft *fileTransfer) Open(path string) (io.ReadWriteCloser, error) {
	return ft.Client.Open(path)
}

func (ft *fileTransfer) Create(path string) (io.ReadWriteCloser, error) {
	return ft.Client.Create(path)
}
