// Copyright 2022 The notifyd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/apex/log"
	"github.com/fechatter/notifyd/common"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized the bearer token was rejected
var ErrUnauthorized = errors.New("unauthorized")

// Identity the authenticated owner of a connection
type Identity struct {
	UserID      int64     `json:"user_id"`
	WorkspaceID int64     `json:"workspace_id"`
	Fullname    string    `json:"fullname,omitempty"`
	Email       string    `json:"email,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// TokenVerifier verifies client bearer tokens
type TokenVerifier interface {
	// VerifyToken verify a token, returning the identity it proves. Failures wrap
	// ErrUnauthorized.
	VerifyToken(ctxt context.Context, token string) (Identity, error)
}

// UserClaims user section of the token claims
type UserClaims struct {
	ID          int64  `json:"id"`
	WorkspaceID int64  `json:"workspace_id"`
	Fullname    string `json:"fullname"`
	Email       string `json:"email"`
	Status      string `json:"status,omitempty"`
}

// TokenClaims claims carried by the access tokens of the chat API
type TokenClaims struct {
	jwt.RegisteredClaims
	User UserClaims `json:"user"`
}

// JWTParams token verification parameters
type JWTParams struct {
	// Issuer is the expected issuer. Empty skips the check.
	Issuer string
	// Audience is the expected audience. Empty skips the check.
	Audience string
	// Leeway is the allowed clock skew
	Leeway time.Duration
}

// jwtVerifierImpl implements TokenVerifier
type jwtVerifierImpl struct {
	common.Component
	key    interface{}
	parser *jwt.Parser
}

func newJWTVerifier(key interface{}, method string, params JWTParams) *jwtVerifierImpl {
	logTags := log.Fields{
		"module": "auth", "component": "jwt-verifier", "method": method,
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{method}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(params.Leeway),
	}
	if params.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(params.Issuer))
	}
	if params.Audience != "" {
		opts = append(opts, jwt.WithAudience(params.Audience))
	}
	return &jwtVerifierImpl{
		Component: common.Component{LogTags: logTags},
		key:       key,
		parser:    jwt.NewParser(opts...),
	}
}

// GetEdDSAVerifier define a verifier of Ed25519 signed tokens
func GetEdDSAVerifier(publicKey ed25519.PublicKey, params JWTParams) (TokenVerifier, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid Ed25519 public key length %d", len(publicKey))
	}
	return newJWTVerifier(publicKey, jwt.SigningMethodEdDSA.Alg(), params), nil
}

// GetHMACVerifier define a verifier of HS256 signed tokens
func GetHMACVerifier(secret []byte, params JWTParams) (TokenVerifier, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("empty HMAC secret")
	}
	return newJWTVerifier(secret, jwt.SigningMethodHS256.Alg(), params), nil
}

// GetTokenVerifierFromConfig define the token verifier described by the config. A public
// key file takes precedence over an HMAC secret.
func GetTokenVerifierFromConfig(config common.JWTConfig) (TokenVerifier, error) {
	params := JWTParams{
		Issuer:   config.Issuer,
		Audience: config.Audience,
		Leeway:   common.SecondsToDuration(config.Leeway),
	}
	if config.PublicKeyFile != "" {
		pemBytes, err := os.ReadFile(config.PublicKeyFile)
		if err != nil {
			return nil, err
		}
		key, err := jwt.ParseEdPublicKeyFromPEM(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", config.PublicKeyFile, err)
		}
		edKey, ok := key.(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%s is not an Ed25519 public key", config.PublicKeyFile)
		}
		return GetEdDSAVerifier(edKey, params)
	}
	return GetHMACVerifier([]byte(config.HMACSecret), params)
}

// VerifyToken verify a token
func (v *jwtVerifierImpl) VerifyToken(ctxt context.Context, token string) (Identity, error) {
	localLogTags, err := common.UpdateLogTags(ctxt, v.LogTags)
	if err != nil {
		localLogTags = v.LogTags
	}
	if token == "" {
		return Identity{}, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	claims := &TokenClaims{}
	if _, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.key, nil
	}); err != nil {
		log.WithError(err).WithFields(localLogTags).Debug("Token rejected")
		return Identity{}, fmt.Errorf("%w: %s", ErrUnauthorized, err.Error())
	}

	userID := claims.User.ID
	if userID == 0 && claims.Subject != "" {
		if parsed, err := strconv.ParseInt(claims.Subject, 10, 64); err == nil {
			userID = parsed
		}
	}
	if userID <= 0 || claims.User.WorkspaceID <= 0 {
		log.WithFields(localLogTags).Debug("Token has no user / workspace")
		return Identity{}, fmt.Errorf("%w: token does not identify a user", ErrUnauthorized)
	}
	identity := Identity{
		UserID:      userID,
		WorkspaceID: claims.User.WorkspaceID,
		Fullname:    claims.User.Fullname,
		Email:       claims.User.Email,
	}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time
	}
	return identity, nil
}
