package network

import "time"

const (
	maxMsgSize   = 1024 * 1024 // 1MB
	writeTimeout = 30 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
	replyTimeout = 30 * time.Second
)
