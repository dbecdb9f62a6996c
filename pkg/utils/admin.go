package utils

import (
	"webreplay/backend/internal/models"
	"webreplay/backend/pkg/database"
)

// IsAdmin checks if the user with given ID is an admin user
func IsAdmin(userID uint) bool {
	var user models.User
	err := database.DB.First(&user, userID).Error
	if err != nil {
		return false
	}
	return user.Username == "admin"
}

// HasPermissionOnRecording checks if user has permission on a recording (owner or admin)
func HasPermissionOnRecording(userID uint, recordingID uint) bool {
	if IsAdmin(userID) {
		return true
	}

	var recording models.Recording
	err := database.DB.Where("id = ? AND user_id = ? AND status = ?", recordingID, userID, 1).First(&recording).Error
	return err == nil
}

// HasPermissionOnExecution checks if user has permission on an execution (owner, recording owner, or admin)
func HasPermissionOnExecution(userID uint, executionID uint) bool {
	if IsAdmin(userID) {
		return true
	}

	var execution models.ReplayExecution
	err := database.DB.Preload("Recording").First(&execution, executionID).Error
	if err != nil {
		return false
	}

	return execution.UserID == userID || execution.Recording.UserID == userID
}
