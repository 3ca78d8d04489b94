package engine

import (
	"context"
	"time"

	"github.com/dnamesh/dnamessenger/crypto"
	"github.com/dnamesh/dnamessenger/errs"
	"github.com/dnamesh/dnamessenger/groupenc"
	"github.com/dnamesh/dnamessenger/identity"
	"github.com/dnamesh/dnamessenger/outbox"
	"github.com/dnamesh/dnamessenger/store"
)

// Every verb below follows the same shape: e.submit a closure that
// performs the actual work on a worker and return its request_id. No
// verb validates its arguments before submitting; any error, including
// an invalid argument, is reported through the callback.

// SendMessage seals and enqueues plaintext for recipientFp, allocating
// its seq_num atomically from the local store.
func (e *Engine) SendMessage(recipientFp crypto.Fingerprint, plaintext []byte) uint64 {
	return e.submit(func(ctx context.Context) (any, error) {
		seq, err := e.Store.AllocateSeqNum(recipientFp)
		if err != nil {
			return nil, err
		}
		msg, err := e.Store.QueueOutbound(recipientFp, seq, plaintext, nil, e.opts.Clock.Now())
		if err != nil {
			return nil, err
		}
		if err := e.Store.Transition(msg.ID, store.StateSending); err != nil {
			return nil, err
		}
		if err := e.Spillway.Enqueue(ctx, recipientFp, seq, plaintext); err != nil {
			_ = e.Store.RecordFailure(msg.ID, e.opts.Clock.Now())
			return nil, err
		}
		if err := e.Store.Transition(msg.ID, store.StateSent); err != nil {
			return nil, err
		}
		_ = e.Store.RecordSuccess(msg.ID)
		return msg.ID, nil
	})
}

// GetConversation returns the full message history with peerFP.
func (e *Engine) GetConversation(peerFP crypto.Fingerprint) uint64 {
	return e.submit(func(ctx context.Context) (any, error) {
		return e.Store.GetConversation(peerFP)
	})
}

// GetConversationPage returns one page of history with peerFP older than
// beforeTS.
func (e *Engine) GetConversationPage(peerFP crypto.Fingerprint, beforeTS time.Time, limit int) uint64 {
	return e.submit(func(ctx context.Context) (any, error) {
		return e.Store.GetConversationPage(peerFP, beforeTS, limit)
	})
}

// CheckOffline runs a smart-sync sweep over every contact (or, if
// onlyContact is non-empty, a single targeted contact), recovering
// messages left for this identity while it was offline. It also sweeps
// this identity's own contact-request inbox first, so a pending request
// shows up in Requests.Pending without a separate verb.
func (e *Engine) CheckOffline(onlyContact crypto.Fingerprint, forceFullSync bool) uint64 {
	return e.submit(func(ctx context.Context) (any, error) {
		if _, _, err := e.Spillway.SyncContactRequests(ctx, e.Requests, e.opts.Clock.Now()); err != nil {
			e.log.WithError(err).Warn("engine: contact-request sync failed")
		}
		if onlyContact != "" {
			return e.Spillway.SyncContact(ctx, onlyContact, false)
		}
		return e.Spillway.Sync(ctx, forceFullSync, false)
	})
}

// SubscribeContact starts a long-lived listener goroutine for contactFp,
// delivering incoming messages as they are published rather than waiting
// for the next CheckOffline sweep.
func (e *Engine) SubscribeContact(contactFp crypto.Fingerprint) uint64 {
	return e.submit(func(ctx context.Context) (any, error) {
		e.mu.Lock()
		if _, exists := e.listeners[contactFp]; exists {
			e.mu.Unlock()
			return nil, nil
		}
		l := outbox.NewListener(e.dht, e.Spillway, contactFp)
		e.listeners[contactFp] = l
		e.mu.Unlock()

		e.listenersWG.Add(1)
		go func() {
			defer e.listenersWG.Done()
			l.Run(e.ctx)
		}()
		return nil, nil
	})
}

// CancelSubscriptions stops every active per-contact listener, or just
// contactFp's if non-empty.
func (e *Engine) CancelSubscriptions(contactFp crypto.Fingerprint) uint64 {
	return e.submit(func(ctx context.Context) (any, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if contactFp != "" {
			if l, ok := e.listeners[contactFp]; ok {
				l.Stop()
				delete(e.listeners, contactFp)
			}
			return nil, nil
		}
		for fp, l := range e.listeners {
			l.Stop()
			delete(e.listeners, fp)
		}
		return nil, nil
	})
}

// AddContact registers fp as a contact.
func (e *Engine) AddContact(fp crypto.Fingerprint, displayName string) uint64 {
	return e.submit(func(ctx context.Context) (any, error) {
		return e.Contacts.Add(fp, displayName)
	})
}

// RemoveContact deletes fp from the address book.
func (e *Engine) RemoveContact(fp crypto.Fingerprint) uint64 {
	return e.submit(func(ctx context.Context) (any, error) {
		return nil, e.Contacts.Remove(fp)
	})
}

// BlockUser adds fp to the block list.
func (e *Engine) BlockUser(fp crypto.Fingerprint) uint64 {
	return e.submit(func(ctx context.Context) (any, error) {
		return nil, e.Contacts.Block(fp)
	})
}

// UnblockUser removes fp from the block list.
func (e *Engine) UnblockUser(fp crypto.Fingerprint) uint64 {
	return e.submit(func(ctx context.Context) (any, error) {
		return nil, e.Contacts.Unblock(fp)
	})
}

// SendContactRequest seals message for fp and delivers it over the same
// Spillway/DHT channel direct messages use, appended to fp's own
// request-inbox bucket so fp discovers it without any prior relationship
// with this identity (§6.4). It never touches this identity's own
// RequestManager: Receive is reserved for the receiving side.
func (e *Engine) SendContactRequest(fp crypto.Fingerprint, message string) uint64 {
	return e.submit(func(ctx context.Context) (any, error) {
		return nil, e.Spillway.SendContactRequest(ctx, fp, message)
	})
}

// ApproveContactRequest accepts a pending request from fp and adds them
// as a contact.
func (e *Engine) ApproveContactRequest(fp crypto.Fingerprint) uint64 {
	return e.submit(func(ctx context.Context) (any, error) {
		return nil, e.Requests.Approve(fp)
	})
}

// DenyContactRequest marks fp's pending request handled without adding
// them as a contact.
func (e *Engine) DenyContactRequest(fp crypto.Fingerprint) uint64 {
	return e.submit(func(ctx context.Context) (any, error) {
		return nil, e.Requests.Deny(fp)
	})
}

// RegisterName publishes rec with RegisteredName set, claiming the name
// at the secondary index.
func (e *Engine) RegisterName(name string, profile identity.Profile, version uint64) uint64 {
	return e.submit(func(ctx context.Context) (any, error) {
		rec := &identity.Record{
			SigningPubkey:  e.self.Signing.Public(),
			KEMPubkey:      e.self.KEM.Public(),
			RegisteredName: name,
			Profile:        profile,
			Version:        version,
			Timestamp:      e.opts.Clock.Now().Unix(),
		}
		if err := e.Keyserver.PublishIdentity(ctx, rec, e.self.Signing); err != nil {
			return nil, err
		}
		return rec, nil
	})
}

// LookupName resolves a registered display name to a fingerprint.
func (e *Engine) LookupName(name string) uint64 {
	return e.submit(func(ctx context.Context) (any, error) {
		return e.Keyserver.LookupByName(ctx, name)
	})
}

// GetProfile fetches the published identity record for fp.
func (e *Engine) GetProfile(fp crypto.Fingerprint) uint64 {
	return e.submit(func(ctx context.Context) (any, error) {
		return e.Keyserver.LookupByFingerprint(ctx, fp)
	})
}

// UpdateProfile republishes this identity's record with an updated
// profile and a strictly greater version.
func (e *Engine) UpdateProfile(profile identity.Profile, registeredName string, version uint64) uint64 {
	return e.submit(func(ctx context.Context) (any, error) {
		rec := &identity.Record{
			SigningPubkey:  e.self.Signing.Public(),
			KEMPubkey:      e.self.KEM.Public(),
			RegisteredName: registeredName,
			Profile:        profile,
			Version:        version,
			Timestamp:      e.opts.Clock.Now().Unix(),
		}
		if err := e.Keyserver.PublishIdentity(ctx, rec, e.self.Signing); err != nil {
			return nil, err
		}
		return rec, nil
	})
}

// GroupCreate creates a new group owned by this identity, draws GEK v1,
// and publishes the IKP for every member.
func (e *Engine) GroupCreate(name string, members []crypto.Fingerprint) uint64 {
	return e.submit(func(ctx context.Context) (any, error) {
		g, gek, err := e.Groups.CreateGroup(ctx, name, members)
		if err != nil {
			return nil, err
		}
		if err := e.Store.UpsertGroup(g, e.opts.Clock.Now()); err != nil {
			return nil, err
		}
		if err := e.Store.CacheGEK(g.UUID, gek); err != nil {
			return nil, err
		}
		return g, nil
	})
}

// GroupSendMessage encrypts plaintext under the group's current GEK and
// posts it to this identity's per-day channel slice.
func (e *Engine) GroupSendMessage(groupUUID string, gekVersion uint32, seqNum uint64, plaintext []byte) uint64 {
	return e.submit(func(ctx context.Context) (any, error) {
		gek, err := e.Store.LoadGEK(groupUUID, gekVersion)
		if err != nil {
			return nil, err
		}
		return nil, e.Groups.PostMessage(ctx, groupUUID, gek, seqNum, plaintext)
	})
}

// GroupAddMember rotates the group's GEK to include a new member set,
// excluding any fingerprint no longer present. The caller-supplied g is
// cross-checked against the canonical stored record before rotating, so
// a stale or forged Group value (e.g. an owner/version mismatch with
// what this identity last persisted) is rejected rather than silently
// rotated against.
func (e *Engine) GroupAddMember(g *groupenc.Group, newMembers []crypto.Fingerprint) uint64 {
	return e.submit(func(ctx context.Context) (any, error) {
		stored, _, err := e.Store.GetGroup(g.UUID)
		if err != nil {
			return nil, err
		}
		if stored.OwnerFP != g.OwnerFingerprint || stored.GEKVersion != g.GEKVersion {
			return nil, errs.New(errs.VersionRaceLost, "group record is stale, reload before rotating")
		}

		rotated, gek, err := e.Groups.RotateOnMemberAdd(ctx, g, newMembers)
		if err != nil {
			return nil, err
		}
		if err := e.Store.UpsertGroup(rotated, e.opts.Clock.Now()); err != nil {
			return nil, err
		}
		if err := e.Store.CacheGEK(rotated.UUID, gek); err != nil {
			return nil, err
		}
		return rotated, nil
	})
}

// GroupSync fetches and decrypts every message a member posted on
// dayIndex.
func (e *Engine) GroupSync(groupUUID string, member crypto.Fingerprint, memberSigningPubkey []byte, dayIndex int64, gekVersion uint32) uint64 {
	return e.submit(func(ctx context.Context) (any, error) {
		gek, err := e.Store.LoadGEK(groupUUID, gekVersion)
		if err != nil {
			return nil, err
		}
		return e.Groups.FetchMemberMessages(ctx, groupUUID, member, memberSigningPubkey, dayIndex, gek)
	})
}

// GroupPublishGEK re-publishes the IKP for the group's current GEK
// version, e.g. after recovering a rotation the owner's other device
// already committed.
func (e *Engine) GroupPublishGEK(g *groupenc.Group, gek *groupenc.GEK) uint64 {
	return e.submit(func(ctx context.Context) (any, error) {
		return nil, e.Groups.PublishGEK(ctx, g, gek)
	})
}

// GroupFetchGEK extracts the GEK for (groupUUID, version) from its
// published IKP and caches it locally.
func (e *Engine) GroupFetchGEK(groupUUID string, version uint32, ownerSigningPubkey []byte, ownerFp crypto.Fingerprint) uint64 {
	return e.submit(func(ctx context.Context) (any, error) {
		if ring, err := e.Store.LoadKeyRing(groupUUID); err == nil {
			e.Groups.SeedKeyRing(groupUUID, ring)
		}
		gek, err := e.Groups.FetchGEK(ctx, groupUUID, version, ownerSigningPubkey, ownerFp)
		if err != nil {
			return nil, err
		}
		if err := e.Store.CacheGEK(groupUUID, gek); err != nil {
			return nil, err
		}
		return gek, nil
	})
}

// SignData signs arbitrary application-level data with this identity's
// Dilithium5 signing key, for callers that need proof of authorship
// outside the message/group protocols (e.g. external attestations).
func (e *Engine) SignData(data []byte) uint64 {
	return e.submit(func(ctx context.Context) (any, error) {
		return crypto.Sign(e.self.Signing, data), nil
	})
}

// GetSigningPubkey returns this identity's Dilithium5 public key.
func (e *Engine) GetSigningPubkey() uint64 {
	return e.submit(func(ctx context.Context) (any, error) {
		return e.self.Signing.Public(), nil
	})
}

// PausePresence suspends the periodic presence broadcast without
// stopping its background goroutine.
func (e *Engine) PausePresence() uint64 {
	return e.submit(func(ctx context.Context) (any, error) {
		e.Presence.Pause()
		return nil, nil
	})
}

// ResumePresence re-enables the periodic presence broadcast.
func (e *Engine) ResumePresence() uint64 {
	return e.submit(func(ctx context.Context) (any, error) {
		e.Presence.Resume()
		return nil, nil
	})
}

// RefreshPresence publishes one presence record immediately, ignoring
// the pause flag.
func (e *Engine) RefreshPresence() uint64 {
	return e.submit(func(ctx context.Context) (any, error) {
		return nil, e.Presence.PublishOnce(ctx)
	})
}

// BackupMessages returns every message this identity has exchanged with
// every peer, for client-side encrypted export.
func (e *Engine) BackupMessages() uint64 {
	return e.submit(func(ctx context.Context) (any, error) {
		contacts := e.Contacts.List()
		out := make(map[crypto.Fingerprint]any, len(contacts))
		for _, c := range contacts {
			msgs, err := e.Store.GetConversation(c.Fingerprint)
			if err != nil {
				return nil, err
			}
			out[c.Fingerprint] = msgs
		}
		return out, nil
	})
}

// RestoreMessages re-inserts the incoming messages of a previously
// backed-up conversation for peerFP; outgoing messages in msgs are
// skipped and not restored. Existing (peer_fp, seq_num, direction) rows
// are left untouched; only new rows are added.
func (e *Engine) RestoreMessages(peerFP crypto.Fingerprint, msgs []*store.Message) uint64 {
	return e.submit(func(ctx context.Context) (any, error) {
		restored := 0
		for _, m := range msgs {
			if m.Direction != store.DirectionIn {
				continue
			}
			if err := e.Store.StoreInbound(peerFP, m.SeqNum, m.Plaintext, m.Timestamp); err != nil {
				return nil, err
			}
			restored++
		}
		return restored, nil
	})
}
