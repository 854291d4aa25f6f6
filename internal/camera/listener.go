package camera

// Listener observes engine lifecycle. Callbacks run on the engine's delivery
// goroutine, one at a time, in listener registration order.
type Listener interface {
	OnStateChanged(from, to State)
	OnCameraOpened(caps *Capabilities)
	OnCameraClosed()
	OnError(err error)
	OnPictureShutter()
	OnVideoRecordingStart()
	OnVideoRecordingEnd()
}

// BaseListener implements Listener with no-ops, for embedding.
type BaseListener struct{}

func (BaseListener) OnStateChanged(from, to State) {}
func (BaseListener) OnCameraOpened(*Capabilities) {}
func (BaseListener) OnCameraClosed() {}
func (BaseListener) OnError(error) {}
func (BaseListener) OnPictureShutter() {}
func (BaseListener) OnVideoRecordingStart() {}
func (BaseListener) OnVideoRecordingEnd() {}
