package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/crypto/bcrypt"

	"github.com/campusline/school-backend/internal/core/domain"
)

const (
	accountsCollection = "accounts"
	rolesCollection    = "roles"

	// superuserIndex is a unique partial index: the store itself refuses a
	// second account with is_superuser = true.
	superuserIndex = "one_superuser"

	duplicateKeyCode = 11000
)

// CredentialStore implements ports.CredentialStore and ports.AccountRepository
// on MongoDB.
type CredentialStore struct {
	accounts   *mongo.Collection
	roles      *mongo.Collection
	bcryptCost int
}

func NewCredentialStore(db *mongo.Database, bcryptCost int) *CredentialStore {
	if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
		bcryptCost = bcrypt.DefaultCost
	}
	return &CredentialStore{
		accounts:   db.Collection(accountsCollection),
		roles:      db.Collection(rolesCollection),
		bcryptCost: bcryptCost,
	}
}

type roleDoc struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	Name      string             `bson:"name"`
	CreatedAt time.Time          `bson:"created_at"`
}

type accountDoc struct {
	ID                 primitive.ObjectID `bson:"_id,omitempty"`
	Username           string             `bson:"username"`
	Email              string             `bson:"email"`
	PasswordHash       string             `bson:"password_hash"`
	IsSuperuser        bool               `bson:"is_superuser"`
	Roles              []string           `bson:"roles"`
	MustRotatePassword bool               `bson:"must_rotate_password,omitempty"`
	CreatedAt          time.Time          `bson:"created_at"`
	UpdatedAt          time.Time          `bson:"updated_at"`
}

// EnsureIndexes creates the uniqueness constraints the seeding invariant
// and registration rely on.
func (s *CredentialStore) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := s.roles.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("role_name"),
	}); err != nil {
		return fmt.Errorf("roles index: %w", err)
	}

	_, err := s.accounts.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "username", Value: 1}}, Options: options.Index().SetUnique(true).SetName("account_username")},
		{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true).SetName("account_email")},
		{
			Keys: bson.D{{Key: "is_superuser", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetName(superuserIndex).
				SetPartialFilterExpression(bson.M{"is_superuser": true}),
		},
	})
	if err != nil {
		return fmt.Errorf("accounts indexes: %w", err)
	}
	return nil
}

func (s *CredentialStore) RoleExists(ctx context.Context, name domain.Role) (bool, error) {
	n, err := s.roles.CountDocuments(ctx, bson.M{"name": string(name)}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("count role: %w", err)
	}
	return n > 0, nil
}

func (s *CredentialStore) CreateRole(ctx context.Context, name domain.Role) error {
	_, err := s.roles.InsertOne(ctx, roleDoc{Name: string(name), CreatedAt: time.Now().UTC()})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrRoleExists
		}
		return fmt.Errorf("insert role: %w", err)
	}
	return nil
}

func (s *CredentialStore) AnySuperuserExists(ctx context.Context) (bool, error) {
	n, err := s.accounts.CountDocuments(ctx, bson.M{"is_superuser": true}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("count superuser: %w", err)
	}
	return n > 0, nil
}

func (s *CredentialStore) CreateAccount(ctx context.Context, acc *domain.Account) (*domain.Account, error) {
	doc := toAccountDoc(acc)
	res, err := s.accounts.InsertOne(ctx, doc)
	if err != nil {
		return nil, classifyAccountInsert(err)
	}

	if oid, ok := res.InsertedID.(primitive.ObjectID); ok {
		doc.ID = oid
	}
	return fromAccountDoc(doc), nil
}

// classifyAccountInsert maps a failed account insert onto domain errors. A
// duplicate on the one_superuser index means another superuser already exists.
func classifyAccountInsert(err error) error {
	if !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("insert account: %w", err)
	}
	var we mongo.WriteException
	if errors.As(err, &we) {
		for _, e := range we.WriteErrors {
			if e.Code == duplicateKeyCode && strings.Contains(e.Message, superuserIndex) {
				return domain.ErrSuperuserExists
			}
		}
		return domain.ErrAccountExists
	}
	if strings.Contains(err.Error(), superuserIndex) {
		return domain.ErrSuperuserExists
	}
	return domain.ErrAccountExists
}

func (s *CredentialStore) AssignRole(ctx context.Context, accountID string, role domain.Role) error {
	oid, err := primitive.ObjectIDFromHex(accountID)
	if err != nil {
		return domain.ErrAccountNotFound
	}
	exists, err := s.RoleExists(ctx, role)
	if err != nil {
		return err
	}
	if !exists {
		return domain.ErrRoleNotFound
	}

	res, err := s.accounts.UpdateByID(ctx, oid, bson.M{
		"$addToSet": bson.M{"roles": string(role)},
		"$set":      bson.M{"updated_at": time.Now().UTC()},
	})
	if err != nil {
		return fmt.Errorf("assign role: %w", err)
	}
	if res.MatchedCount == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

// HashPassword derives a bcrypt hash. The account is accepted so the cost
// could depend on privilege; it is currently uniform.
func (s *CredentialStore) HashPassword(_ *domain.Account, plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), s.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func (s *CredentialStore) VerifyPassword(acc *domain.Account, plaintext string) bool {
	if acc == nil || acc.PasswordHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(plaintext)) == nil
}

func (s *CredentialStore) FindByEmail(ctx context.Context, email string) (*domain.Account, error) {
	return s.findOne(ctx, bson.M{"email": email})
}

func (s *CredentialStore) FindByID(ctx context.Context, id string) (*domain.Account, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, domain.ErrAccountNotFound
	}
	return s.findOne(ctx, bson.M{"_id": oid})
}

func (s *CredentialStore) UpdatePassword(ctx context.Context, accountID, hash string) error {
	oid, err := primitive.ObjectIDFromHex(accountID)
	if err != nil {
		return domain.ErrAccountNotFound
	}
	res, err := s.accounts.UpdateByID(ctx, oid, bson.M{
		"$set":   bson.M{"password_hash": hash, "updated_at": time.Now().UTC()},
		"$unset": bson.M{"must_rotate_password": ""},
	})
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if res.MatchedCount == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func (s *CredentialStore) findOne(ctx context.Context, filter bson.M) (*domain.Account, error) {
	var doc accountDoc
	if err := s.accounts.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("find account: %w", err)
	}
	return fromAccountDoc(doc), nil
}

func toAccountDoc(acc *domain.Account) accountDoc {
	roles := make([]string, 0, len(acc.Roles))
	for _, r := range acc.Roles {
		roles = append(roles, string(r))
	}
	return accountDoc{
		Username:           acc.Username,
		Email:              strings.ToLower(acc.Email),
		PasswordHash:       acc.PasswordHash,
		IsSuperuser:        acc.IsSuperuser,
		Roles:              roles,
		MustRotatePassword: acc.MustRotatePassword,
		CreatedAt:          acc.CreatedAt.UTC(),
		UpdatedAt:          acc.UpdatedAt.UTC(),
	}
}

func fromAccountDoc(doc accountDoc) *domain.Account {
	roles := make([]domain.Role, 0, len(doc.Roles))
	for _, r := range doc.Roles {
		roles = append(roles, domain.Role(r))
	}
	acc := &domain.Account{
		Username:           doc.Username,
		Email:              doc.Email,
		PasswordHash:       doc.PasswordHash,
		IsSuperuser:        doc.IsSuperuser,
		Roles:              roles,
		MustRotatePassword: doc.MustRotatePassword,
		CreatedAt:          doc.CreatedAt,
		UpdatedAt:          doc.UpdatedAt,
	}
	if !doc.ID.IsZero() {
		acc.ID = doc.ID.Hex()
	}
	return acc
}
