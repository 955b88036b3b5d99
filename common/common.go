package common

// PackageName is used as the metrics namespace and default service tag.
const PackageName = "iot_provisioner"

// Version is set at build time with -ldflags "-X ...common.Version=...".
var Version = "dev"
