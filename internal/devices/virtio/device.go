package virtio

// Backend is the device specific half of a virtio device. The transport owns
// the register file and the queues; the backend only sees queues through
// QueueNotify and its config space through ReadConfig and WriteConfig.
type Backend interface {
	// DeviceID returns the virtio device type (2 for block, 5 for balloon).
	DeviceID() uint32

	// Features returns the device feature bits. Transport features such as
	// VIRTIO_F_VERSION_1 are added by the transport.
	Features() uint64

	// QueueMaxSizes returns the maximum size of each queue. Its length is
	// the number of queues.
	QueueMaxSizes() []uint16

	// Reset is called when the driver resets the device.
	Reset()

	ReadConfig(offset uint64, data []byte) error
	WriteConfig(offset uint64, data []byte) error

	// QueueNotify is called on the worker goroutine after the driver kicked
	// queue index. Implementations drain q with q.Process.
	QueueNotify(index int, q *Queue) error
}

// ConfigNotifier is implemented by backends whose config space changes on
// the device side. The transport installs a callback that bumps the config
// generation and raises a config interrupt.
type ConfigNotifier interface {
	SetConfigChanged(fn func() error)
}

// Poller is implemented by backends that wait on host file descriptors. The
// worker adds the descriptors to its epoll set and calls Ready when one of
// them becomes readable.
type Poller interface {
	PollFDs() []int
	Ready(fd int) error
}
