package hv

// DeviceSnapshotter is implemented by devices that participate in
// save/restore. DeviceId returns a stable name used as the record key in
// the snapshot stream; CaptureSnapshot/RestoreSnapshot handle the device's
// own binary encoding.
type DeviceSnapshotter interface {
	DeviceId() string
	CaptureSnapshot() ([]byte, error)
	RestoreSnapshot(data []byte) error
}
