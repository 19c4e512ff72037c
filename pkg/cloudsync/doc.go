// Package cloudsync is a provider-agnostic client for cloud file storage.
//
// A Registry maps provider ids to Backend constructors. Registry.Create
// returns an unauthenticated *Cloud session; after Authenticate succeeds
// the session exposes the provider's tree as Directory and File
// resources. Every remote failure surfaces as an *Error carrying exactly
// one Kind, so callers branch with errors.Is against the kind sentinels
// (ErrNoSuchResource, ErrResourceHasChanged, ...) or the family
// sentinels ErrCloud and ErrResource.
//
// OAuth2 sessions refresh a rejected access token once and retry the
// failed operation once. Concurrent refreshes collapse into a single
// token exchange.
package cloudsync
