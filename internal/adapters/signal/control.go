package signal

import "github.com/dkeye/Pulse/internal/app"

func (ctl *SignalWSController) handlePing(cc *app.Connection) {
	ctl.Orch.Send(cc, app.EvPong, nil)
}
