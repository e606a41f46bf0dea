// Package common holds process-level helpers shared by the daemons:
// logger setup, version stamping, and the clock abstraction used for
// fragment expiry decisions.
package common

// Version is set at build time via -ldflags.
var Version = "dev"

// PackageName tags metrics and logs emitted by this module.
const PackageName = "dropmesh"
