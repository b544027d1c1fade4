// Package capability declares the narrow hardware contracts the workflows drive.
// Concrete implementations live in the adapter packages (power, sdmux, massstorage,
// console, transport/ssh, jtag, release) and are chosen by the configuration layer;
// the engine never constructs or discovers them itself.
package capability

import "context"

// PowerControl switches board power.
type PowerControl interface {
	On(ctx context.Context) error
	Off(ctx context.Context) error
}

// ConsoleShell is a command channel to the board.
type ConsoleShell interface {
	// Activate performs the login/ready sequence. Activating an active shell is a no-op.
	Activate(ctx context.Context) error
	// Deactivate releases the session. Deactivating an inactive shell is a no-op.
	Deactivate(ctx context.Context) error
	// Run executes cmd and returns its output. A failing command yields an
	// errors.ErrCommandExecution error.
	Run(ctx context.Context, cmd string) (string, error)
	PutFile(ctx context.Context, localPath, remotePath string) error
	GetFile(ctx context.Context, remotePath, localPath string) error
}

// SerialConsole is a ConsoleShell with access to the raw console stream, which
// carries boot output before any login is possible.
type SerialConsole interface {
	ConsoleShell
	// ReadConsole returns the raw output received since the previous call.
	ReadConsole(ctx context.Context) (string, error)
}

// Retargetable is implemented by network shells whose host can follow the address
// the board reports for itself.
type Retargetable interface {
	Address() string
	SetAddress(host string)
}

// StorageMux hands a removable medium to the host or to the board.
type StorageMux interface {
	SwitchToHost(ctx context.Context) error
	SwitchToTarget(ctx context.Context) error
}

// MassStorage is the medium as seen from the host. CopyFile on an unmounted
// medium fails with errors.ErrInvalidState.
type MassStorage interface {
	Mount(ctx context.Context) error
	Unmount(ctx context.Context) error
	Mounted() bool
	CopyFile(ctx context.Context, localPath, remotePath string) error
}

// ImageWriter writes a whole disk image onto an unmounted medium.
type ImageWriter interface {
	WriteImage(ctx context.Context, imagePath string) error
}

// ReleaseProvider supplies local copies of the boot files of a release.
type ReleaseProvider interface {
	BootFiles(ctx context.Context) ([]string, error)
}

// ImageProvider supplies the full disk image of a release.
type ImageProvider interface {
	Image(ctx context.Context) (string, error)
}

// JTAGProgrammer configures fabric and starts a soft-core kernel over JTAG.
type JTAGProgrammer interface {
	FlashBitstream(ctx context.Context, path string) error
	LoadAndStartKernel(ctx context.Context, path string) error
}
