package txn

import (
	log "github.com/sirupsen/logrus"
)

func logUnknownDurability(code string) {
	log.WithFields(log.Fields{
		"code": code,
	}).Warn("unknown durability_level code, falling back to MAJORITY")
}
