package models

import "gorm.io/gorm"

// AutoMigrate migrates every table the service owns, in FK-safe order.
// Shared between db.go and package tests so test schemas cannot drift.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Role{},
		&User{},
		&RefreshToken{},
		&Snp{},
		&LdBlock{},
		&StudyExtraction{},
		&GwasUpload{},
		&UploadStudyExtraction{},
		&UploadColoc{},
		&UploadColocPair{},
	)
}
