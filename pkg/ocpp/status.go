package ocpp

// Numeric status codes fed to the model. Unknown maps anything outside the
// table.
const (
	StatusUnknown      = 0
	StatusInitializing = 1
	StatusAvailable    = 2
	StatusPreparing    = 3
	StatusCharging     = 4
	StatusFinishing    = 5
	StatusReserved     = 6
	StatusUnavailable  = 7
	StatusFaulted      = 8
	StatusMaintenance  = 9
)

// statusCodes maps both the abbreviated codes used by the charger firmware
// and the OCPP 1.6 status names. The abbreviation "F" is shared by
// Finishing and Faulted on the wire; it resolves to Faulted. Finishing is
// only reachable through its full name.
var statusCodes = map[string]int{
	"IM": StatusInitializing,
	"A":  StatusAvailable,
	"P":  StatusPreparing,
	"C":  StatusCharging,
	"F":  StatusFaulted,
	"R":  StatusReserved,
	"U":  StatusUnavailable,
	"DM": StatusMaintenance,

	"Initializing":  StatusInitializing,
	"Available":     StatusAvailable,
	"Preparing":     StatusPreparing,
	"Charging":      StatusCharging,
	"SuspendedEV":   StatusCharging,
	"SuspendedEVSE": StatusCharging,
	"Finishing":     StatusFinishing,
	"Reserved":      StatusReserved,
	"Unavailable":   StatusUnavailable,
	"Faulted":       StatusFaulted,
	"Maintenance":   StatusMaintenance,
}

// StatusCode returns the numeric code for a status string, or StatusUnknown.
func StatusCode(status string) int {
	return statusCodes[status]
}
