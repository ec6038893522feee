package auth

import (
	"github.com/gorilla/mux"

	"github.com/sandwichcloud/deli-counter/pkg/rbac"
)

// DriverNull is the null driver's name
const DriverNull = "null"

// NullDriver authenticates nobody. It exists so a deployment can run with no
// interactive login at all, minting tokens only through out of band tooling
// and service accounts.
type NullDriver struct{}

// NewNullDriver creates the null driver
func NewNullDriver() *NullDriver { return &NullDriver{} }

// Name returns the driver name
func (d *NullDriver) Name() string { return DriverNull }

// DiscoverOptions reports that this driver has no login surface
func (d *NullDriver) DiscoverOptions() map[string]interface{} { return nil }

// RegisterRoutes registers nothing
func (d *NullDriver) RegisterRoutes(router *mux.Router, guard rbac.Guard) {}
