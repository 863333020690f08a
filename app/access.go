package app

import (
	"github.com/artpar/comparellm/domain/account"
	"github.com/artpar/comparellm/domain/model"
	"github.com/artpar/comparellm/ports"
)

// OpenAccess lets every account use every model. Spending is limited by
// credits alone.
type OpenAccess struct{}

func (OpenAccess) Allowed(account.Account, model.Descriptor) bool { return true }

// Ensure interface compliance.
var _ ports.AccessPolicy = OpenAccess{}
