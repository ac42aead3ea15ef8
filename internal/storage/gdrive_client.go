package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

// DriveClient archives finished transcripts to Google Drive
type DriveClient struct {
	service    *drive.Service
	folderName string
	folderID   string
}

// NewDriveClient creates a new Google Drive client
func NewDriveClient(credentialsFile, tokenFile, folderName string) (*DriveClient, error) {
	ctx := context.Background()

	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read credentials file: %v", err)
	}

	config, err := google.ConfigFromJSON(b, drive.DriveFileScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse credentials: %v", err)
	}

	client := getClient(config, tokenFile)

	srv, err := drive.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("unable to create Drive service: %v", err)
	}

	dc := &DriveClient{
		service:    srv,
		folderName: folderName,
	}

	if err := dc.ensureFolder(); err != nil {
		return nil, err
	}

	return dc, nil
}

// getClient retrieves a token, saves the token, then returns the generated client
func getClient(config *oauth2.Config, tokenFile string) *http.Client {
	tok, err := tokenFromFile(tokenFile)
	if err != nil {
		tok = getTokenFromWeb(config)
		saveToken(tokenFile, tok)
	}
	return config.Client(context.Background(), tok)
}

// getTokenFromWeb requests a token from the web
func getTokenFromWeb(config *oauth2.Config) *oauth2.Token {
	authURL := config.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	fmt.Printf("Go to the following link in your browser:\n%v\n", authURL)
	fmt.Print("Enter authorization code: ")

	var authCode string
	if _, err := fmt.Scan(&authCode); err != nil {
		panic(fmt.Sprintf("Unable to read authorization code: %v", err))
	}

	tok, err := config.Exchange(context.TODO(), authCode)
	if err != nil {
		panic(fmt.Sprintf("Unable to retrieve token from web: %v", err))
	}
	return tok
}

// tokenFromFile retrieves a token from a local file
func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}

// saveToken saves a token to a file path
func saveToken(path string, token *oauth2.Token) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		panic(fmt.Sprintf("Unable to cache oauth token: %v", err))
	}
	defer f.Close()
	json.NewEncoder(f).Encode(token)
}

// ensureFolder finds or creates the root folder
func (dc *DriveClient) ensureFolder() error {
	query := fmt.Sprintf("name='%s' and mimeType='application/vnd.google-apps.folder' and trashed=false",
		dc.folderName)

	r, err := dc.service.Files.List().Q(query).Spaces("drive").Fields("files(id, name)").Do()
	if err != nil {
		return fmt.Errorf("unable to search for folder: %v", err)
	}

	if len(r.Files) > 0 {
		dc.folderID = r.Files[0].Id
		return nil
	}

	folder := &drive.File{
		Name:     dc.folderName,
		MimeType: "application/vnd.google-apps.folder",
	}

	file, err := dc.service.Files.Create(folder).Fields("id").Do()
	if err != nil {
		return fmt.Errorf("unable to create folder: %v", err)
	}

	dc.folderID = file.Id
	return nil
}

// Upload uploads a transcript and its metadata to Google Drive and
// returns a shareable link
func (dc *DriveClient) Upload(export *TranscriptExport) (string, error) {
	// Dated folder structure: Transcripts/2025/01/23/
	now := time.Now()
	folderID, err := dc.ensureDateFolder(now)
	if err != nil {
		return "", err
	}

	timestamp := now.Format("20060102_150405")
	baseFilename := fmt.Sprintf("%s_%s", timestamp, sanitizeFilename(export.File.Name))

	txtFile := &drive.File{
		Name:    baseFilename + ".txt",
		Parents: []string{folderID},
	}

	created, err := dc.service.Files.Create(txtFile).Media(
		createReaderFromString(export.Text())).Do()
	if err != nil {
		return "", fmt.Errorf("failed to upload transcript: %v", err)
	}

	metadata := map[string]interface{}{
		"file_id":          export.File.ID,
		"name":             export.File.Name,
		"duration_seconds": export.File.Duration,
		"word_count":       export.WordCount(),
		"language":         export.Language,
		"created_at":       now,
		"segments":         export.Segments,
		"speakers":         export.SpeakerNames,
	}

	metaJSON, _ := json.MarshalIndent(metadata, "", "  ")

	metaFile := &drive.File{
		Name:    baseFilename + "_meta.json",
		Parents: []string{folderID},
	}

	if _, err := dc.service.Files.Create(metaFile).Media(
		createReaderFromBytes(metaJSON)).Do(); err != nil {
		return "", fmt.Errorf("failed to upload metadata: %v", err)
	}

	fileURL := fmt.Sprintf("https://drive.google.com/file/d/%s/view", created.Id)
	return fileURL, nil
}

// ensureDateFolder creates nested year/month/day folders
func (dc *DriveClient) ensureDateFolder(t time.Time) (string, error) {
	yearID, err := dc.findOrCreateFolder(fmt.Sprintf("%d", t.Year()), dc.folderID)
	if err != nil {
		return "", err
	}

	monthID, err := dc.findOrCreateFolder(fmt.Sprintf("%02d", t.Month()), yearID)
	if err != nil {
		return "", err
	}

	dayID, err := dc.findOrCreateFolder(fmt.Sprintf("%02d", t.Day()), monthID)
	if err != nil {
		return "", err
	}

	return dayID, nil
}

// findOrCreateFolder finds or creates a folder with the given parent
func (dc *DriveClient) findOrCreateFolder(name, parentID string) (string, error) {
	query := fmt.Sprintf("name='%s' and '%s' in parents and mimeType='application/vnd.google-apps.folder' and trashed=false",
		name, parentID)

	r, err := dc.service.Files.List().Q(query).Spaces("drive").Fields("files(id)").Do()
	if err != nil {
		return "", err
	}

	if len(r.Files) > 0 {
		return r.Files[0].Id, nil
	}

	folder := &drive.File{
		Name:     name,
		MimeType: "application/vnd.google-apps.folder",
		Parents:  []string{parentID},
	}

	file, err := dc.service.Files.Create(folder).Fields("id").Do()
	if err != nil {
		return "", err
	}

	return file.Id, nil
}

// Helper to create reader from string
func createReaderFromString(s string) *os.File {
	tmpFile, _ := os.CreateTemp("", "upload-*.txt")
	tmpFile.WriteString(s)
	tmpFile.Seek(0, 0)
	return tmpFile
}

// Helper to create reader from bytes
func createReaderFromBytes(b []byte) *os.File {
	tmpFile, _ := os.CreateTemp("", "upload-*.json")
	tmpFile.Write(b)
	tmpFile.Seek(0, 0)
	return tmpFile
}
