package database

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chihaya/privtracker/bittorrent"
	"github.com/chihaya/privtracker/storage"
)

// errInsertRace is returned from a transaction that lost a race to insert a
// row; the transaction is retried once.
var errInsertRace = errors.New("concurrent insert")

// forUpdate locks the selected rows on databases supporting it. sqlite
// serializes transactions on its single connection instead.
func forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

func (s *store) PeerRecord(ctx context.Context, key bittorrent.PeerKey) (storage.PeerRecord, error) {
	s.panicIfClosed()

	var row peerRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND torrent_id = ? AND peer_id = ?", key.UserID, key.TorrentID, key.PeerID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.PeerRecord{}, storage.ErrResourceDoesNotExist
	} else if err != nil {
		return storage.PeerRecord{}, errors.Wrap(err, "failed to load peer record")
	}

	return row.record()
}

func (s *store) PutPeerRecord(ctx context.Context, r storage.PeerRecord) error {
	s.panicIfClosed()

	row := newPeerRecord(r)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "torrent_id"}, {Name: "peer_id"}},
			UpdateAll: true,
		}).Create(&row).Error
		if err != nil {
			return err
		}

		if r.UserID != "" && r.IP != "" {
			entry := announceEntry{UserID: r.UserID, IP: r.IP, AnnouncedAt: row.LastAnnounceAt}
			if err := tx.Create(&entry).Error; err != nil {
				return err
			}
		}

		if r.Event == bittorrent.Completed {
			return tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "torrent_id"}},
				DoUpdates: clause.Assignments(map[string]interface{}{
					"snatches": gorm.Expr("torrent_snatches.snatches + 1"),
				}),
			}).Create(&torrentSnatch{TorrentID: r.TorrentID, Snatches: 1}).Error
		}

		return nil
	})

	return errors.Wrap(err, "failed to store peer record")
}

func (s *store) TransferHistory(ctx context.Context, userID, torrentID string) (storage.TransferHistory, error) {
	s.panicIfClosed()

	var records, downloaded, uploaded int64
	err := s.db.WithContext(ctx).Model(&peerRecord{}).
		Select(`COUNT(*),
			COALESCE(SUM(CASE WHEN downloaded > 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN uploaded > 0 THEN 1 ELSE 0 END), 0)`).
		Where("user_id = ? AND torrent_id = ?", userID, torrentID).
		Row().Scan(&records, &downloaded, &uploaded)
	if err != nil {
		return storage.TransferHistory{}, errors.Wrap(err, "failed to summarize transfer history")
	}

	return storage.TransferHistory{
		Records:       int(records),
		AnyDownloaded: downloaded > 0,
		AnyUploaded:   uploaded > 0,
	}, nil
}

func (s *store) DistinctIPsForUser(ctx context.Context, userID string, since time.Time) ([]string, error) {
	s.panicIfClosed()

	var ips []string
	err := s.db.WithContext(ctx).Model(&announceEntry{}).
		Distinct("ip").
		Where("user_id = ? AND announced_at >= ?", userID, since.UTC()).
		Order("ip").
		Pluck("ip", &ips).Error
	return ips, errors.Wrap(err, "failed to list distinct IPs")
}

func (s *store) DistinctUsersForIP(ctx context.Context, ip string, since time.Time) ([]string, error) {
	s.panicIfClosed()

	var users []string
	err := s.db.WithContext(ctx).Model(&announceEntry{}).
		Distinct("user_id").
		Where("ip = ? AND user_id <> '' AND announced_at >= ?", ip, since.UTC()).
		Order("user_id").
		Pluck("user_id", &users).Error
	return users, errors.Wrap(err, "failed to list distinct users")
}

func (s *store) ScrapeTorrent(ctx context.Context, torrentID string, activeSince time.Time) (storage.Scrape, error) {
	s.panicIfClosed()

	db := s.db.WithContext(ctx)

	q := db.Model(&peerRecord{}).
		Select(`COALESCE(SUM(CASE WHEN left_bytes = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN left_bytes > 0 THEN 1 ELSE 0 END), 0)`).
		Where("torrent_id = ? AND event <> ?", torrentID, stoppedEvent)
	if !activeSince.IsZero() {
		q = q.Where("last_announce_at >= ?", activeSince.UTC())
	}

	var complete, incomplete int64
	if err := q.Row().Scan(&complete, &incomplete); err != nil {
		return storage.Scrape{}, errors.Wrap(err, "failed to count peers")
	}

	var snatch torrentSnatch
	err := db.Where("torrent_id = ?", torrentID).Limit(1).Find(&snatch).Error
	if err != nil {
		return storage.Scrape{}, errors.Wrap(err, "failed to load snatches")
	}

	return storage.Scrape{
		Complete:   uint32(complete),
		Incomplete: uint32(incomplete),
		Snatches:   snatch.Snatches,
	}, nil
}

func (s *store) HitAndRun(ctx context.Context, userID, torrentID string) (storage.HitAndRunRecord, error) {
	s.panicIfClosed()

	var row hitAndRun
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND torrent_id = ?", userID, torrentID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.HitAndRunRecord{}, storage.ErrResourceDoesNotExist
	} else if err != nil {
		return storage.HitAndRunRecord{}, errors.Wrap(err, "failed to load hit-and-run record")
	}

	return row.record(), nil
}

func (s *store) UpdateHitAndRun(ctx context.Context, userID, torrentID string, fn storage.HitAndRunUpdateFunc) (rec storage.HitAndRunRecord, exists bool, err error) {
	s.panicIfClosed()

	for attempt := 0; attempt < 2; attempt++ {
		rec, exists, err = s.updateHitAndRun(ctx, userID, torrentID, fn)
		if err != errInsertRace {
			break
		}
	}

	return rec, exists, errors.Wrap(err, "failed to update hit-and-run record")
}

func (s *store) updateHitAndRun(ctx context.Context, userID, torrentID string, fn storage.HitAndRunUpdateFunc) (rec storage.HitAndRunRecord, exists bool, err error) {
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row hitAndRun
		err := forUpdate(tx).
			Where("user_id = ? AND torrent_id = ?", userID, torrentID).
			First(&row).Error
		found := err == nil
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		rec = storage.HitAndRunRecord{UserID: userID, TorrentID: torrentID}
		if found {
			rec = row.record()
		}
		exists = found

		write, err := fn(&rec, found)
		if err != nil || !write {
			return err
		}

		updated := newHitAndRun(rec)
		if found {
			return tx.Save(&updated).Error
		}

		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&updated)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errInsertRace
		}

		exists = true
		return nil
	})

	return rec, exists, err
}

func (s *store) PendingHitAndRuns(ctx context.Context, seededBefore time.Time, requiredMinutes int64) ([]storage.HitAndRunRecord, error) {
	s.panicIfClosed()

	var rows []hitAndRun
	err := s.db.WithContext(ctx).
		Where("is_hit_and_run = ? AND last_seeded_at IS NOT NULL AND last_seeded_at < ? AND total_seeding_time < ?",
			false, seededBefore.UTC(), requiredMinutes).
		Order("user_id, torrent_id").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pending hit-and-runs")
	}

	pending := make([]storage.HitAndRunRecord, 0, len(rows))
	for _, row := range rows {
		pending = append(pending, row.record())
	}
	return pending, nil
}

func (s *store) FlagHitAndRun(ctx context.Context, userID, torrentID string, seededBefore time.Time, requiredMinutes int64) (bool, error) {
	s.panicIfClosed()

	db := s.db.WithContext(ctx)

	res := db.Model(&hitAndRun{}).
		Where("user_id = ? AND torrent_id = ? AND is_hit_and_run = ?", userID, torrentID, false).
		Where("last_seeded_at IS NOT NULL AND last_seeded_at < ? AND total_seeding_time < ?", seededBefore.UTC(), requiredMinutes).
		Update("is_hit_and_run", true)
	if res.Error != nil {
		return false, errors.Wrap(res.Error, "failed to flag hit-and-run")
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	var count int64
	err := db.Model(&hitAndRun{}).Where("user_id = ? AND torrent_id = ?", userID, torrentID).Count(&count).Error
	if err != nil {
		return false, errors.Wrap(err, "failed to load hit-and-run record")
	}
	if count == 0 {
		return false, storage.ErrResourceDoesNotExist
	}
	return false, nil
}

func (s *store) ConsumeAnnounce(ctx context.Context, userID string, now time.Time, policy storage.RateLimitPolicy) (storage.RateLimitResult, error) {
	s.panicIfClosed()

	var res storage.RateLimitResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The first announce of a user creates its counter. Losing the race
		// to create it falls through to the locked read below.
		c := storage.RateLimitCounter{UserID: userID}
		fresh, _ := storage.StepRateLimit(&c, false, now, policy)

		row := newRateLimitCounter(c)
		created := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if created.Error != nil {
			return created.Error
		}
		if created.RowsAffected == 1 {
			res = fresh
			return nil
		}

		var existing rateLimitCounter
		if err := forUpdate(tx).Where("user_id = ?", userID).First(&existing).Error; err != nil {
			return err
		}

		c = existing.record()
		var mutated bool
		res, mutated = storage.StepRateLimit(&c, true, now, policy)
		if !mutated {
			return nil
		}

		updated := newRateLimitCounter(c)
		return tx.Save(&updated).Error
	})
	if err != nil {
		return storage.RateLimitResult{}, errors.Wrap(err, "failed to consume announce")
	}

	return res, nil
}

func (s *store) RateLimitCounter(ctx context.Context, userID string) (storage.RateLimitCounter, error) {
	s.panicIfClosed()

	var row rateLimitCounter
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.RateLimitCounter{}, storage.ErrResourceDoesNotExist
	} else if err != nil {
		return storage.RateLimitCounter{}, errors.Wrap(err, "failed to load rate limit counter")
	}

	return row.record(), nil
}

func (s *store) ActiveBan(ctx context.Context, q storage.BanQuery, now time.Time) (storage.BanRecord, bool, error) {
	s.panicIfClosed()

	if q.Empty() {
		return storage.BanRecord{}, false, nil
	}

	var (
		conds []string
		args  []interface{}
	)
	for _, c := range []struct {
		column, value string
	}{
		{"user_id", q.UserID},
		{"passkey", q.Passkey},
		{"peer_id", q.PeerID},
		{"ip", q.IP},
	} {
		if c.value != "" {
			conds = append(conds, c.column+" = ?")
			args = append(args, c.value)
		}
	}

	var rows []ban
	err := s.db.WithContext(ctx).
		Where(strings.Join(conds, " OR "), args...).
		Where("expires_at IS NULL OR expires_at > ?", now.UTC()).
		Order("id").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return storage.BanRecord{}, false, errors.Wrap(err, "failed to look up bans")
	}
	if len(rows) == 0 {
		return storage.BanRecord{}, false, nil
	}

	return rows[0].record(), true, nil
}

func (s *store) PutBan(ctx context.Context, b storage.BanRecord) (storage.BanRecord, error) {
	s.panicIfClosed()

	row := ban{
		UserID:    b.UserID,
		Passkey:   b.Passkey,
		PeerID:    b.PeerID,
		IP:        b.IP,
		Reason:    b.Reason,
		ExpiresAt: utcPtr(b.ExpiresAt),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return storage.BanRecord{}, errors.Wrap(err, "failed to store ban")
	}

	return row.record(), nil
}

func (s *store) Torrent(ctx context.Context, id string) (storage.Torrent, error) {
	s.panicIfClosed()

	var row torrent
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.Torrent{}, storage.ErrResourceDoesNotExist
	} else if err != nil {
		return storage.Torrent{}, errors.Wrap(err, "failed to load torrent")
	}

	return storage.Torrent{ID: row.ID, Size: row.Size}, nil
}

func (s *store) PutTorrent(ctx context.Context, t storage.Torrent) error {
	s.panicIfClosed()

	row := torrent{ID: t.ID, Size: t.Size}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	return errors.Wrap(err, "failed to store torrent")
}
