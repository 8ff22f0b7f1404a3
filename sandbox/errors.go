// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import "errors"

// ErrStartTimeout reports that a spawned sandbox process failed to
// complete the readiness handshake within the start timeout. The
// process has already been killed when this is returned.
var ErrStartTimeout = errors.New("sandbox start timeout")

// ErrCrashed reports that a sandbox process died or stopped answering
// health pings. Delivered to the owner's exit callback; the supervisor
// has already torn the sandbox down.
var ErrCrashed = errors.New("sandbox crashed")

// ErrTornDown reports an operation against a handle whose sandbox has
// been torn down.
var ErrTornDown = errors.New("sandbox torn down")
