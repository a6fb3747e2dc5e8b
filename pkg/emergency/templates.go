package emergency

import "time"

// ProtocolType keys the fixed set of protocol templates.
type ProtocolType string

const (
	ProtocolLowBattery       ProtocolType = "LOW_BATTERY"
	ProtocolSignalLoss       ProtocolType = "SIGNAL_LOSS"
	ProtocolObstacleDetected ProtocolType = "OBSTACLE_DETECTED"
	ProtocolWeatherAlert     ProtocolType = "WEATHER_ALERT"
	ProtocolTechnicalFailure ProtocolType = "TECHNICAL_FAILURE"
)

// Action is the closed set of step effects a protocol can request.
// Actions without a dedicated effect handler fall through to a logged
// no-op, so templates stay forward-compatible.
type Action string

const (
	ActionReduceSpeed          Action = "REDUCE_SPEED"
	ActionFindLandingSpot      Action = "FIND_LANDING_SPOT"
	ActionAutoLand             Action = "AUTO_LAND"
	ActionNotifyOperator       Action = "NOTIFY_OPERATOR"
	ActionActivateReturnHome   Action = "ACTIVATE_RETURN_HOME"
	ActionMaintainAltitude     Action = "MAINTAIN_ALTITUDE"
	ActionSearchSignal         Action = "SEARCH_SIGNAL"
	ActionEmergencyLand        Action = "EMERGENCY_LAND"
	ActionStopMovement         Action = "STOP_MOVEMENT"
	ActionHoverInPlace         Action = "HOVER_IN_PLACE"
	ActionRecalculatePath      Action = "RECALCULATE_PATH"
	ActionResumeMission        Action = "RESUME_MISSION"
	ActionAssessWeather        Action = "ASSESS_WEATHER"
	ActionFindShelter          Action = "FIND_SHELTER"
	ActionNotifyWeatherService Action = "NOTIFY_WEATHER_SERVICE"
	ActionDiagnoseIssue        Action = "DIAGNOSE_ISSUE"
	ActionIsolateSystem        Action = "ISOLATE_SYSTEM"
	ActionAlertTechTeam        Action = "ALERT_TECH_TEAM"
)

// TemplateStep is one configured action in a template.
type TemplateStep struct {
	Action      Action `json:"action"`
	Description string `json:"description"`
}

// Template is read-only protocol configuration; never derived at
// runtime.
type Template struct {
	Key              ProtocolType   `json:"key"`
	Name             string         `json:"name"`
	Steps            []TemplateStep `json:"steps"`
	AutoExecute      bool           `json:"autoExecute"`
	MaxExecutionTime time.Duration  `json:"maxExecutionTimeMs"`
}

var templates = map[ProtocolType]Template{
	ProtocolLowBattery: {
		Key:  ProtocolLowBattery,
		Name: "Low Battery Emergency Protocol",
		Steps: []TemplateStep{
			{Action: ActionReduceSpeed, Description: "Reduce flight speed"},
			{Action: ActionFindLandingSpot, Description: "Locate nearest safe landing spot"},
			{Action: ActionAutoLand, Description: "Execute automatic landing"},
			{Action: ActionNotifyOperator, Description: "Notify the operator"},
		},
		AutoExecute:      true,
		MaxExecutionTime: 5 * time.Minute,
	},
	ProtocolSignalLoss: {
		Key:  ProtocolSignalLoss,
		Name: "Signal Loss Emergency Protocol",
		Steps: []TemplateStep{
			{Action: ActionActivateReturnHome, Description: "Activate automatic return home"},
			{Action: ActionMaintainAltitude, Description: "Maintain current altitude"},
			{Action: ActionSearchSignal, Description: "Search for signal"},
			{Action: ActionEmergencyLand, Description: "Emergency landing procedure"},
		},
		AutoExecute:      true,
		MaxExecutionTime: 10 * time.Minute,
	},
	ProtocolObstacleDetected: {
		Key:  ProtocolObstacleDetected,
		Name: "Obstacle Detection Emergency Protocol",
		Steps: []TemplateStep{
			{Action: ActionStopMovement, Description: "Stop movement immediately"},
			{Action: ActionHoverInPlace, Description: "Hover in place"},
			{Action: ActionRecalculatePath, Description: "Recalculate flight path"},
			{Action: ActionResumeMission, Description: "Resume mission"},
		},
		AutoExecute:      false,
		MaxExecutionTime: 3 * time.Minute,
	},
	ProtocolWeatherAlert: {
		Key:  ProtocolWeatherAlert,
		Name: "Severe Weather Emergency Protocol",
		Steps: []TemplateStep{
			{Action: ActionAssessWeather, Description: "Assess weather conditions"},
			{Action: ActionFindShelter, Description: "Find sheltered area"},
			{Action: ActionEmergencyLand, Description: "Execute emergency landing"},
			{Action: ActionNotifyWeatherService, Description: "Notify weather service"},
		},
		AutoExecute:      true,
		MaxExecutionTime: 4 * time.Minute,
	},
	ProtocolTechnicalFailure: {
		Key:  ProtocolTechnicalFailure,
		Name: "Technical Failure Emergency Protocol",
		Steps: []TemplateStep{
			{Action: ActionDiagnoseIssue, Description: "Diagnose failure type"},
			{Action: ActionIsolateSystem, Description: "Isolate failing system"},
			{Action: ActionEmergencyLand, Description: "Execute emergency landing"},
			{Action: ActionAlertTechTeam, Description: "Alert technical team"},
		},
		AutoExecute:      true,
		MaxExecutionTime: 2 * time.Minute,
	},
}

// Templates returns every protocol template in a stable order.
func Templates() []Template {
	keys := []ProtocolType{
		ProtocolLowBattery,
		ProtocolSignalLoss,
		ProtocolObstacleDetected,
		ProtocolWeatherAlert,
		ProtocolTechnicalFailure,
	}
	out := make([]Template, 0, len(keys))
	for _, k := range keys {
		out = append(out, templates[k])
	}
	return out
}

// TemplateFor looks up a template by key.
func TemplateFor(t ProtocolType) (Template, bool) {
	tpl, ok := templates[t]
	return tpl, ok
}
