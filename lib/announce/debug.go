// Copyright (C) 2024 The Mediabeacon Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package announce

import (
	"github.com/mediabeacon/mediabeacon/lib/logger"
)

var l = logger.DefaultLogger.NewFacility("announce", "Advertisement of our own devices")
