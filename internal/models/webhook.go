package models

// Types below mirror the RingCentral telephony/sessions notification
// payload. Only the fields the orchestrator reads are declared; the
// provider sends more.

type WebhookEvent struct {
	UUID           string        `json:"uuid"`
	Event          string        `json:"event"`
	Timestamp      string        `json:"timestamp"`
	SubscriptionID string        `json:"subscriptionId"`
	Body           TelephonyBody `json:"body"`
}

type TelephonyBody struct {
	TelephonySessionID string  `json:"telephonySessionId"`
	ServerID           string  `json:"serverId"`
	EventTime          string  `json:"eventTime"`
	SessionID          string  `json:"sessionId"`
	Origin             Origin  `json:"origin"`
	Parties            []Party `json:"parties"`
}

type Origin struct {
	Type string `json:"type"`
}

type Party struct {
	ID          string      `json:"id"`
	ExtensionID string      `json:"extensionId"`
	AccountID   string      `json:"accountId"`
	Direction   string      `json:"direction"` // Inbound | Outbound
	Missed      bool        `json:"missedCall"`
	StandAlone  bool        `json:"standAlone"`
	Muted       bool        `json:"muted"`
	Status      PartyStatus `json:"status"`
	From        CallerInfo  `json:"from"`
	To          CallerInfo  `json:"to"`
}

type PartyStatus struct {
	Code   string `json:"code"` // Setup|Proceeding|Ringing|Answered|Disconnected|Gone
	Reason string `json:"reason,omitempty"`
}

type CallerInfo struct {
	PhoneNumber string `json:"phoneNumber"`
	Name        string `json:"name,omitempty"`
	ExtensionID string `json:"extensionId,omitempty"`
	// DeviceID identifies the softphone device a ringing inbound leg can
	// be answered on. It is only present on the "to" side of our own legs.
	DeviceID string `json:"deviceId,omitempty"`
}
