package core

// AlertLevel grades how close a device is to a hard limit
type AlertLevel int

const (
	AlertNormal AlertLevel = iota
	AlertWarning
	AlertCritical
	AlertEmergency
)

func (a AlertLevel) String() string {
	switch a {
	case AlertNormal:
		return "NORMAL"
	case AlertWarning:
		return "WARNING"
	case AlertCritical:
		return "CRITICAL"
	case AlertEmergency:
		return "EMERGENCY"
	default:
		return "UNKNOWN"
	}
}

// thresholds, ascending: warning, critical, emergency
var (
	MemoryAlertPct    = [3]float64{75, 90, 95}
	TemperatureAlertC = [3]float64{70, 80, 90}
	PowerAlertPct     = [2]float64{90, 98}
)

// Alert is the worst of the memory, temperature and power levels.
func (g GPUState) Alert() AlertLevel {
	level := gradeAscending(g.MemoryUsedPct(), MemoryAlertPct[:])
	level = max(level, gradeAscending(g.temperatureC, TemperatureAlertC[:]))
	if g.powerLimitW > 0 {
		level = max(level, gradeAscending(100*g.powerDrawW/g.powerLimitW, PowerAlertPct[:]))
	}
	return level
}

func gradeAscending(v float64, thresholds []float64) AlertLevel {
	level := AlertNormal
	for i, t := range thresholds {
		if v >= t {
			level = AlertLevel(i + 1)
		}
	}
	return level
}
