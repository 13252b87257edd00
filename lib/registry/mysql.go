package registry

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/wgkeeper/wgkeeper/lib/errors"
)

// MySQLStore persists the registry in MySQL through GORM, for deployments
// where several managers share one registry.
type MySQLStore struct {
	db  *gorm.DB
	now func() time.Time
}

// peerRecord is the GORM model for a peer row.
type peerRecord struct {
	PublicKey  string `gorm:"column:public_key;primaryKey;size:64"`
	Name       string `gorm:"column:name;not null"`
	IPv4       string `gorm:"column:ipv4_address;uniqueIndex;not null"`
	IPv6       string `gorm:"column:ipv6_address"`
	AllowedIPs string `gorm:"column:allowed_ips"`
	Keepalive  int    `gorm:"column:persistent_keepalive;default:25"`
	Enabled    bool   `gorm:"column:enabled;default:true"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (peerRecord) TableName() string { return "peers" }

// interfaceRecord is the GORM model for the per-interface singleton row.
type interfaceRecord struct {
	Name       string `gorm:"column:name;primaryKey;size:15"`
	PrivateKey string `gorm:"column:private_key;not null"`
	PublicKey  string `gorm:"column:public_key;not null"`
	ListenPort int    `gorm:"column:listen_port;default:51820"`
	IPv4CIDR   string `gorm:"column:ipv4_cidr;not null"`
	DNS        string `gorm:"column:dns"`
	MTU        int    `gorm:"column:mtu;default:1420"`
	Endpoint   string `gorm:"column:endpoint"`
}

func (interfaceRecord) TableName() string { return "interfaces" }

// OpenMySQL connects to MySQL and runs migrations.
func OpenMySQL(dsn string) (*MySQLStore, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening mysql registry: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("accessing mysql pool: %w", err)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)

	if err := db.AutoMigrate(&peerRecord{}, &interfaceRecord{}); err != nil {
		return nil, fmt.Errorf("migrating registry schema: %w", err)
	}
	return &MySQLStore{db: db, now: time.Now}, nil
}

// CreatePeer inserts a new peer record.
func (s *MySQLStore) CreatePeer(ctx context.Context, p Peer) (Peer, error) {
	rec := toPeerRecord(p)
	now := s.now()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	err := s.db.WithContext(ctx).Create(&rec).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrDuplicatedKey) {
			return Peer{}, fmt.Errorf("%w: %s", errors.ErrPeerExists, p.PublicKey)
		}
		return Peer{}, fmt.Errorf("inserting peer: %w", err)
	}
	return fromPeerRecord(rec), nil
}

// GetPeer returns the peer for a public key.
func (s *MySQLStore) GetPeer(ctx context.Context, publicKey string) (Peer, error) {
	var rec peerRecord
	err := s.db.WithContext(ctx).First(&rec, "public_key = ?", publicKey).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return Peer{}, fmt.Errorf("%w: %s", errors.ErrPeerNotFound, publicKey)
	}
	if err != nil {
		return Peer{}, fmt.Errorf("reading peer: %w", err)
	}
	return fromPeerRecord(rec), nil
}

// ListPeers returns all peers, newest first.
func (s *MySQLStore) ListPeers(ctx context.Context) ([]Peer, error) {
	var recs []peerRecord
	err := s.db.WithContext(ctx).
		Order("created_at DESC, public_key").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("listing peers: %w", err)
	}
	out := make([]Peer, len(recs))
	for i, rec := range recs {
		out[i] = fromPeerRecord(rec)
	}
	return out, nil
}

// UpdatePeer replaces a peer's mutable fields.
func (s *MySQLStore) UpdatePeer(ctx context.Context, p Peer) (Peer, error) {
	updates := map[string]any{
		"name":                 p.Name,
		"ipv4_address":         p.IPv4,
		"ipv6_address":         p.IPv6,
		"allowed_ips":          joinList(p.AllowedIPs),
		"persistent_keepalive": p.Keepalive,
		"enabled":              p.Enabled,
		"updated_at":           s.now(),
	}
	res := s.db.WithContext(ctx).
		Model(&peerRecord{}).
		Where("public_key = ?", p.PublicKey).
		Updates(updates)
	if res.Error != nil {
		return Peer{}, fmt.Errorf("updating peer: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return Peer{}, fmt.Errorf("%w: %s", errors.ErrPeerNotFound, p.PublicKey)
	}
	return s.GetPeer(ctx, p.PublicKey)
}

// DeletePeer removes a peer record.
func (s *MySQLStore) DeletePeer(ctx context.Context, publicKey string) error {
	res := s.db.WithContext(ctx).Delete(&peerRecord{}, "public_key = ?", publicKey)
	if res.Error != nil {
		return fmt.Errorf("deleting peer: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", errors.ErrPeerNotFound, publicKey)
	}
	return nil
}

// GetInterface returns the named interface record.
func (s *MySQLStore) GetInterface(ctx context.Context, name string) (Interface, error) {
	var rec interfaceRecord
	err := s.db.WithContext(ctx).First(&rec, "name = ?", name).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return Interface{}, fmt.Errorf("%w: %s", errors.ErrInterfaceNotConfigured, name)
	}
	if err != nil {
		return Interface{}, fmt.Errorf("reading interface: %w", err)
	}
	return Interface{
		Name:       rec.Name,
		PrivateKey: rec.PrivateKey,
		PublicKey:  rec.PublicKey,
		ListenPort: rec.ListenPort,
		IPv4CIDR:   rec.IPv4CIDR,
		DNS:        splitList(rec.DNS),
		MTU:        rec.MTU,
		Endpoint:   rec.Endpoint,
	}, nil
}

// PutInterface creates or replaces the named interface record.
func (s *MySQLStore) PutInterface(ctx context.Context, iface Interface) error {
	rec := interfaceRecord{
		Name:       iface.Name,
		PrivateKey: iface.PrivateKey,
		PublicKey:  iface.PublicKey,
		ListenPort: iface.ListenPort,
		IPv4CIDR:   iface.IPv4CIDR,
		DNS:        joinList(iface.DNS),
		MTU:        iface.MTU,
		Endpoint:   iface.Endpoint,
	}
	err := s.db.WithContext(ctx).Save(&rec).Error
	if err != nil {
		return fmt.Errorf("storing interface: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *MySQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toPeerRecord(p Peer) peerRecord {
	return peerRecord{
		PublicKey:  p.PublicKey,
		Name:       p.Name,
		IPv4:       p.IPv4,
		IPv6:       p.IPv6,
		AllowedIPs: joinList(p.AllowedIPs),
		Keepalive:  p.Keepalive,
		Enabled:    p.Enabled,
	}
}

func fromPeerRecord(rec peerRecord) Peer {
	return Peer{
		PublicKey:  rec.PublicKey,
		Name:       rec.Name,
		IPv4:       rec.IPv4,
		IPv6:       rec.IPv6,
		AllowedIPs: splitList(rec.AllowedIPs),
		Keepalive:  rec.Keepalive,
		Enabled:    rec.Enabled,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}
}
