package services

import (
	"context"
	"testing"
	"time"

	"keyrelay/config"
	"keyrelay/internal/domain/conversation"
	"keyrelay/internal/domain/device"
	"keyrelay/internal/domain/group"
	"keyrelay/internal/domain/identity"
	"keyrelay/internal/domain/keys"
	"keyrelay/internal/domain/message"
	"keyrelay/internal/events"
	"keyrelay/internal/repository"
	"keyrelay/pkg/logger"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type testEnv struct {
	db       *gorm.DB
	cfg      *config.Config
	keys     *KeyService
	convs    *ConversationService
	groups   *GroupService
	messages *MessageService
	metrics  *MetricsService
	privacy  *PrivacyService

	deviceRepo  repository.DeviceRepository
	keyRepo     repository.KeyRepository
	convRepo    repository.ConversationRepository
	groupRepo   repository.GroupRepository
	messageRepo repository.MessageRepository
	idRepo      repository.IdentityRepository
}

func testConfig() *config.Config {
	return &config.Config{
		E2EEEnabled:                  true,
		PrekeyPoolSize:               100,
		OTPKLowWatermark:             5,
		OTPKCriticalWatermark:        2,
		SignedPrekeyMaxAge:           30,
		IdentityChangeAlertThreshold: 3,
		IdentityChangeBlockThreshold: 5,
		IdentityChangeWindowHours:    24,
		MaxMessageBytes:              65536,
		MessagesPerMinute:            30,
		BurstWindowSeconds:           10,
		MessagesPerBurst:             5,
		GroupMaxParticipants:         100,
		InviteExpiryHours:            48,
		MetricsCacheSeconds:          30,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&identity.User{},
		&identity.Block{},
		&device.Device{},
		&device.Revocation{},
		&device.IdentityChangeEvent{},
		&keys.KeyBundle{},
		&keys.OneTimePrekey{},
		&conversation.Conversation{},
		&conversation.Participant{},
		&group.Group{},
		&group.Participant{},
		&group.Ban{},
		&group.Invite{},
		&message.Message{},
		&message.DeliveryReceipt{},
	))

	cfg := testConfig()
	l := logger.New(logger.DevelopmentMode)
	publisher := events.NopPublisher{}

	env := &testEnv{
		db:          db,
		cfg:         cfg,
		deviceRepo:  repository.NewDeviceRepository(db),
		keyRepo:     repository.NewKeyRepository(db),
		convRepo:    repository.NewConversationRepository(db),
		groupRepo:   repository.NewGroupRepository(db),
		messageRepo: repository.NewMessageRepository(db),
		idRepo:      repository.NewIdentityRepository(db),
	}
	env.keys = NewKeyService(cfg, env.deviceRepo, env.keyRepo, env.convRepo, env.idRepo, publisher, l)
	env.convs = NewConversationService(env.convRepo, env.deviceRepo, env.messageRepo, env.idRepo, publisher, l)
	env.groups = NewGroupService(cfg, env.groupRepo, env.idRepo, publisher, l)
	env.messages = NewMessageService(cfg, env.messageRepo, env.convRepo, env.groupRepo, env.deviceRepo, env.idRepo, publisher, l)
	env.metrics = NewMetricsService(cfg, env.keyRepo, env.messageRepo, env.deviceRepo, env.idRepo, nil, l)
	env.privacy = NewPrivacyService(env.idRepo)
	return env
}

func (e *testEnv) createUser(t *testing.T, username string, operator bool) uuid.UUID {
	t.Helper()
	u := identity.User{
		ID:          uuid.New(),
		Username:    username,
		DisplayName: username,
		IsOperator:  operator,
		CreatedAt:   time.Now(),
	}
	require.NoError(t, e.db.Create(&u).Error)
	return u.ID
}

// uploadBundle registers a fresh device for userID with the given
// identity key and prekey count, returning the device id.
func (e *testEnv) uploadBundle(t *testing.T, userID uuid.UUID, identityKey []byte, prekeyCount int) uuid.UUID {
	t.Helper()
	prekeys := make([][]byte, 0, prekeyCount)
	for i := 0; i < prekeyCount; i++ {
		prekeys = append(prekeys, []byte{byte(i), 0x01})
	}
	result, err := e.keys.UploadKeyBundle(context.Background(), userID, UploadBundleInput{
		DisplayName:     "test device",
		IdentityKey:     identityKey,
		SignedPrekey:    []byte("signed-prekey"),
		SignedPrekeySig: []byte("signed-prekey-sig"),
		Prekeys:         prekeys,
	})
	require.NoError(t, err)
	return result.DeviceID
}

// connect opens a 1:1 conversation so the pair passes relationship
// checks, returning the conversation id.
func (e *testEnv) connect(t *testing.T, a, b uuid.UUID) uuid.UUID {
	t.Helper()
	view, err := e.convs.FindOrCreate(context.Background(), a, b)
	require.NoError(t, err)
	return view.ID
}

func (e *testEnv) unclaimedPrekeyIDs(t *testing.T, deviceID uuid.UUID) []uuid.UUID {
	t.Helper()
	var rows []keys.OneTimePrekey
	require.NoError(t, e.db.Where("device_id = ? AND claimed = ?", deviceID, false).Find(&rows).Error)
	ids := make([]uuid.UUID, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	return ids
}
