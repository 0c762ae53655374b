package fanout

import (
	"strings"

	"lockbox/pkg/logger"
	"lockbox/pkg/models"
	"lockbox/pkg/registry"
	"lockbox/pkg/store"
)

// Recover re-derives missing mailbox appends from the durable update
// log. The log-delete-fanout sequence is not atomic across a crash, so
// the log, not the queue, is the source of truth: any logged tuple
// absent from an affected device's mailbox is appended again. Run once
// at startup before the workers start.
func Recover(st *store.Store, reg *registry.Registry) error {
	keys, err := st.ScanKeys(store.NSUpdateLog, "")
	if err != nil {
		return err
	}
	repaired := 0
	for _, key := range keys {
		if _, quarantined, err := st.Get(store.NSQuarantine, "", key); err != nil {
			return err
		} else if quarantined {
			continue
		}
		u, err := models.ParseUpdateKey(key)
		if err != nil {
			// Already logged; leave diagnosis to the quarantine record.
			continue
		}
		editors, err := reg.Editors(u.TopDir)
		if err != nil {
			continue
		}
		for _, editor := range editors {
			devices, err := reg.Devices(editor)
			if err != nil {
				continue
			}
			for _, device := range devices {
				ok, err := mailboxContains(st, device, key)
				if err != nil {
					return err
				}
				if ok {
					continue
				}
				if err := st.Update(store.NSDeviceSync, "", device, key); err != nil {
					return err
				}
				repaired++
				logger.Info("mailbox_repaired", "device", device, "tuple", key)
			}
		}
	}
	if repaired > 0 {
		logger.Info("fanout_recovery_done", "repaired", repaired)
	}
	return nil
}

func mailboxContains(st *store.Store, device, tuple string) (bool, error) {
	v, ok, err := st.Get(store.NSDeviceSync, "", device)
	if err != nil || !ok {
		return false, err
	}
	for _, entry := range strings.Split(v, store.ListSep) {
		if entry == tuple {
			return true, nil
		}
	}
	return false, nil
}
