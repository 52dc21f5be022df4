// Package controller runs a prebuilt engine and exchanges actions and
// events with it.
//
// New resolves the build for this host, downloads it into the releases
// directory, launches it and sends the initial Reset and Initialize:
//
//	c, err := controller.New(ctx, cfg, controller.WithTelemetry(tel))
//	if err != nil {
//		return err // *build.NoBuildFoundError, *build.AllBuildsInvalidError, ...
//	}
//	defer c.Close(ctx)
//
//	ev, err := c.Step(ctx, protocol.Action{"action": "MoveAhead"}, true)
//
// Step allows one outstanding request. When raiseForFailure is set, an
// event with lastActionSuccess=false is returned together with an
// *ActionFailedError whose message is the engine's errorMessage.
//
// Distance, KeyForPoint and SceneNames are pure helpers and need no engine.
package controller
